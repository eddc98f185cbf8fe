package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/sirupsen/logrus"

	"golang.org/x/net/idna"
)

// SanitizedDomain turns a domain into a safe file name, wildcard and colon
// characters replaced and unicode labels punycoded.
func SanitizedDomain(logger log.Logger, domain string) string {
	replaced := strings.NewReplacer(":", "-", "*", "_").Replace(domain)
	safe, err := idna.ToASCII(replaced)
	if err != nil {
		level.Error(logger).Log("err", err) // #nosec G104
		return replaced
	}
	return safe
}

// IsWildcard reports whether the domain is a wildcard identifier.
func IsWildcard(domain string) bool {
	return strings.HasPrefix(domain, "*.")
}

// WildcardBase strips the wildcard label so "*.example.com" becomes "example.com".
func WildcardBase(domain string) string {
	return strings.TrimPrefix(domain, "*.")
}

// CreateNonExistingFolder makes the directory when it is missing.
func CreateNonExistingFolder(path string) error {
	if path == "" || path == "." {
		return nil
	}
	return os.MkdirAll(path, 0o700)
}

// GenerateFingerprint returns the hex sha256 of the content.
func GenerateFingerprint(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// FileExists reports whether filename exists and is a regular file.
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	return err == nil && !info.IsDir()
}

// FormatFilePath keeps only the file name, used to shorten caller info in logs.
func FormatFilePath(path string) string {
	idx := strings.LastIndexByte(path, '/')
	return path[idx+1:]
}

// UTCFormatter wraps a logrus formatter and forces entry times to UTC.
type UTCFormatter struct {
	logrus.Formatter
}

func (u UTCFormatter) Format(e *logrus.Entry) ([]byte, error) {
	e.Time = e.Time.UTC()
	return u.Formatter.Format(e)
}
