package main

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/common/promlog"
	"github.com/prometheus/common/promlog/flag"
	"github.com/prometheus/common/version"
	"github.com/sirupsen/logrus"

	legoLog "github.com/go-acme/lego/v4/log"

	"github.com/certmate/certmate/config"
	"github.com/certmate/certmate/httpx"
	"github.com/certmate/certmate/storage/sqlite"
	"github.com/certmate/certmate/utils"
)

func main() {
	app := kingpin.New("certmate", "Certificate issuance and deployment manager using ACME dns-01.")
	configPath := app.Flag("config-path", "Config path").Default("config.yml").String()

	promlogConfig := &promlog.Config{}
	flag.AddFlags(app, promlogConfig)
	app.Version(version.Print("certmate"))
	app.HelpFlag.Short('h')

	accountCmd := app.Command("account", "Manage CA accounts.")
	accountCreate := accountCmd.Command("create", "Register a new account with the CA.")
	accountCreateCA := accountCreate.Flag("ca", "Certificate authority (letsencrypt | le | zerossl | zs | buypass | bp).").String()
	accountCreateEnv := accountCreate.Flag("env", "CA environment (staging | production).").String()
	accountCreateEmail := accountCreate.Flag("email", "Account contact email.").String()

	orderCmd := app.Command("order", "Manage certificate orders.")
	orderCreate := orderCmd.Command("create", "Create a new certificate order.")
	orderCreateDomains := orderCreate.Flag("domain", "Domain to include, repeatable, the first one names the order.").Required().Strings()
	orderCreateCA := orderCreate.Flag("ca", "Certificate authority.").String()
	orderCreateEnv := orderCreate.Flag("env", "CA environment.").String()
	orderCreateEmail := orderCreate.Flag("email", "Account email.").String()
	orderCreateDNSCred := orderCreate.Flag("dns-cred", "DNS credential name used for the challenges.").String()

	orderFinish := orderCmd.Command("finish", "Drive an order to completion and download the certificate.")
	orderFinishName := orderFinish.Flag("name", "Order name (the first domain).").Required().String()
	orderFinishCA := orderFinish.Flag("ca", "Certificate authority.").String()
	orderFinishEnv := orderFinish.Flag("env", "CA environment.").String()
	orderFinishEmail := orderFinish.Flag("email", "Account email.").String()

	orderPurge := orderCmd.Command("purge", "Delete an order with its challenges and certificates.")
	orderPurgeName := orderPurge.Flag("name", "Order name.").Required().String()
	orderPurgeCA := orderPurge.Flag("ca", "Certificate authority.").String()
	orderPurgeEnv := orderPurge.Flag("env", "CA environment.").String()
	orderPurgeYes := orderPurge.Flag("yes", "Skip the confirmation prompt.").Bool()

	dnsCmd := app.Command("dns", "Manage DNS credentials and records.")
	dnsCred := dnsCmd.Command("cred", "Store a DNS provider credential.")
	dnsCredName := dnsCred.Flag("name", "Credential name.").Required().String()
	dnsCredProvider := dnsCred.Flag("provider", "DNS provider key.").Required().String()
	dnsCredPayload := dnsCred.Flag("set", "Credential field as key=value, repeatable.").Required().StringMap()
	dnsCredCheck := dnsCred.Flag("check", "Verify the credential against the provider before saving.").Default("true").Bool()

	dnsSet := dnsCmd.Command("set", "Create or delete a TXT record through a stored credential.")
	dnsSetHostname := dnsSet.Flag("hostname", "Record hostname.").Required().String()
	dnsSetValue := dnsSet.Flag("value", "Record value.").Required().String()
	dnsSetCred := dnsSet.Flag("cred", "Credential name, the single stored one when omitted.").String()
	dnsSetDelete := dnsSet.Flag("delete", "Delete the record instead of creating it.").Bool()

	dnsVerify := dnsCmd.Command("verify", "Check TXT record propagation through live resolvers.")
	dnsVerifyHostname := dnsVerify.Flag("hostname", "Record hostname.").Required().String()
	dnsVerifyValue := dnsVerify.Flag("value", "Expected record value.").Required().String()
	dnsVerifyNS := dnsVerify.Flag("nameserver", "Nameserver to query, repeatable, system resolver when omitted.").Strings()

	certCmd := app.Command("cert", "Manage issued certificates.")
	certExport := certCmd.Command("export", "Write certificate material to local files.")
	certExportName := certExport.Flag("name", "Certificate name.").Required().String()
	certExportCA := certExport.Flag("ca", "Certificate authority.").String()
	certExportEnv := certExport.Flag("env", "CA environment.").String()
	certExportEmail := certExport.Flag("email", "Account email.").String()
	certExportCert := certExport.Flag("cert-file", "Certificate output path, derived from the name when omitted.").String()
	certExportKey := certExport.Flag("key-file", "Private key output path.").String()
	certExportChain := certExport.Flag("chain", "Append the issuer chain to the certificate file.").Bool()
	certExportYes := certExport.Flag("yes", "Overwrite existing files without asking.").Bool()

	certDeploy := certCmd.Command("deploy", "Deploy a certificate to its targets.")
	certDeployName := certDeploy.Flag("name", "Certificate name.").Required().String()
	certDeployCA := certDeploy.Flag("ca", "Certificate authority.").String()
	certDeployEnv := certDeploy.Flag("env", "CA environment.").String()
	certDeployEmail := certDeploy.Flag("email", "Account email.").String()
	certDeployTarget := certDeploy.Flag("target", "Target selector: all, a deployment id, a domain or a deployment uri.").Required().String()
	certDeploySave := certDeploy.Flag("save", "Persist an ad-hoc uri target for later runs.").Bool()
	certDeployYes := certDeploy.Flag("yes", "Overwrite occupied targets without asking.").Bool()

	applyCmd := app.Command("apply", "Run the issuance pipeline once.")
	applyPipeline := applyCmd.Flag("pipeline", "Pipeline file path.").String()

	renewCmd := app.Command("renew", "Re-issue certificates close to expiry.")
	renewPipeline := renewCmd.Flag("pipeline", "Pipeline file path.").String()
	renewBefore := renewCmd.Flag("before", "Renew certificates expiring within this duration.").Duration()

	watchCmd := app.Command("watch", "Run as a daemon applying and renewing continuously.")
	watchPipeline := watchCmd.Flag("pipeline", "Pipeline file path.").String()
	watchInterval := watchCmd.Flag("check-interval", "Time interval between pipeline runs.").Duration()
	watchListen := watchCmd.Flag("listen-address", "Metrics listen address.").String()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	logrusLogger := logrus.New()
	logrusLogger.SetFormatter(utils.UTCFormatter{Formatter: &logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "ts",
			logrus.FieldKeyFile: "caller",
		},
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			return "", fmt.Sprintf("%s:%d", utils.FormatFilePath(f.File), f.Line)
		},
	}})
	lvl, err := logrus.ParseLevel(promlogConfig.Level.String())
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrusLogger.SetLevel(lvl)

	// Override lego logger
	legoLog.Logger = logrusLogger

	logger := promlog.New(promlogConfig)

	cfg, err := config.Load(*configPath)
	if err != nil {
		level.Error(logger).Log("msg", "unable to load config", "err", err) // #nosec G104
		os.Exit(1)
	}

	httpClient, err := httpx.NewClient(httpx.Config{
		Timeout:      time.Duration(cfg.HTTP.TimeoutSeconds) * time.Second,
		RetryMax:     cfg.HTTP.RetryMax,
		ProxyURL:     cfg.HTTP.ProxyURL,
		ProxyAllowed: cfg.HTTP.ProxyAllowed,
		Logger:       logrusLogger,
	})
	if err != nil {
		level.Error(logger).Log("msg", "unable to build http client", "err", err) // #nosec G104
		os.Exit(1)
	}

	store, err := sqlite.Open(cfg.Common.DBPath)
	if err != nil {
		level.Error(logger).Log("msg", "unable to open database", "path", cfg.Common.DBPath, "err", err) // #nosec G104
		os.Exit(1)
	}
	defer store.Close()

	c := &cli{
		cfg:    cfg,
		store:  store,
		http:   httpClient,
		logger: logger,
	}

	switch command {
	case accountCreate.FullCommand():
		err = c.accountCreate(*accountCreateCA, *accountCreateEnv, *accountCreateEmail)
	case orderCreate.FullCommand():
		err = c.orderCreate(*orderCreateDomains, *orderCreateCA, *orderCreateEnv, *orderCreateEmail, *orderCreateDNSCred)
	case orderFinish.FullCommand():
		err = c.orderFinish(*orderFinishName, *orderFinishCA, *orderFinishEnv, *orderFinishEmail)
	case orderPurge.FullCommand():
		err = c.orderPurge(*orderPurgeName, *orderPurgeCA, *orderPurgeEnv, *orderPurgeYes)
	case dnsCred.FullCommand():
		err = c.dnsCred(*dnsCredName, *dnsCredProvider, *dnsCredPayload, *dnsCredCheck)
	case dnsSet.FullCommand():
		err = c.dnsSet(*dnsSetHostname, *dnsSetValue, *dnsSetCred, *dnsSetDelete)
	case dnsVerify.FullCommand():
		err = c.dnsVerify(*dnsVerifyHostname, *dnsVerifyValue, *dnsVerifyNS)
	case certExport.FullCommand():
		err = c.certExport(*certExportName, *certExportCA, *certExportEnv, *certExportEmail, *certExportCert, *certExportKey, *certExportChain, *certExportYes)
	case certDeploy.FullCommand():
		err = c.certDeploy(*certDeployName, *certDeployCA, *certDeployEnv, *certDeployEmail, *certDeployTarget, *certDeploySave, *certDeployYes)
	case applyCmd.FullCommand():
		err = c.apply(*applyPipeline)
	case renewCmd.FullCommand():
		err = c.renew(*renewPipeline, *renewBefore)
	case watchCmd.FullCommand():
		err = c.watch(*watchPipeline, *watchInterval, *watchListen)
	}
	if err != nil {
		level.Error(logger).Log("err", err) // #nosec G104
		os.Exit(1)
	}
}

// cli carries the shared collaborators of every subcommand.
type cli struct {
	cfg    *config.Config
	store  *sqlite.Store
	http   *httpx.Client
	logger log.Logger
}
