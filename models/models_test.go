package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderStatusPredicates(t *testing.T) {
	order := &CertOrder{Status: StatusPending}
	assert.True(t, order.IsPending())
	assert.True(t, order.IsActive())

	order.Status = StatusValid
	assert.True(t, order.IsValid())
	assert.True(t, order.IsActive())

	order.Status = StatusInvalid
	assert.True(t, order.IsInvalid())
	assert.False(t, order.IsActive())
}

func TestRecordHostname(t *testing.T) {
	c := &OrderChallenge{IdentifierValue: "example.com"}
	assert.Equal(t, "_acme-challenge.example.com", c.RecordHostname())

	c.IdentifierValue = "*.example.com"
	assert.Equal(t, "_acme-challenge.example.com", c.RecordHostname())
}

func TestBuildDeploymentURI(t *testing.T) {
	uri := BuildDeploymentURI("Ssh", "", "web1.example.com", 0, "/etc/ssl/example.com.crt")
	assert.Equal(t, "ssh://root@web1.example.com:22/etc/ssl/example.com.crt", uri)

	uri = BuildDeploymentURI("ssh", "deploy", "web1", 2222, "/srv/tls/cert.pem")
	assert.Equal(t, "ssh://deploy@web1:2222/srv/tls/cert.pem", uri)

	uri = BuildDeploymentURI("local", "", "", 0, "/etc/ssl/example.com.crt")
	assert.Equal(t, "local:///etc/ssl/example.com.crt", uri)
}

func TestStringListCodec(t *testing.T) {
	raw, err := EncodeStringList([]string{"example.com", "*.example.com"})
	assert.NoError(t, err)
	assert.Equal(t, `["example.com","*.example.com"]`, raw)

	values, err := DecodeStringList(raw)
	assert.NoError(t, err)
	assert.Equal(t, []string{"example.com", "*.example.com"}, values)

	values, err = DecodeStringList("")
	assert.NoError(t, err)
	assert.Empty(t, values)

	raw, err = EncodeStringList(nil)
	assert.NoError(t, err)
	assert.Equal(t, "[]", raw)
}

func TestPayloadCodec(t *testing.T) {
	raw, err := EncodePayload(map[string]string{"token": "abc"})
	assert.NoError(t, err)

	payload, err := DecodePayload(raw)
	assert.NoError(t, err)
	assert.Equal(t, "abc", payload["token"])

	payload, err = DecodePayload("")
	assert.NoError(t, err)
	assert.Empty(t, payload)
}
