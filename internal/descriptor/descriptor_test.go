package descriptor

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const plainRaw = "vless://abc-123@old.example:8080?type=ws&path=%2Fray#myserver"

func encodedRaw(t *testing.T, obj map[string]any) string {
	t.Helper()
	b, err := json.Marshal(obj)
	require.NoError(t, err)
	return "vmess://" + base64.StdEncoding.EncodeToString(b)
}

func TestParsePlain(t *testing.T) {
	d, err := Parse(plainRaw)
	require.NoError(t, err)

	p, ok := d.(*Plain)
	require.True(t, ok, "expected *Plain, got %T", d)
	assert.Equal(t, "abc-123", p.ClientID())
	assert.Equal(t, "old.example", p.Host())
	assert.Equal(t, "8080", p.Port())
	assert.Equal(t, "myserver", p.Remark())
	assert.Equal(t, "/ray", p.Query.Get("path"))
	assert.Equal(t, "ws", p.Transport())
}

func TestPlainTransportDefaultsAndFirstValue(t *testing.T) {
	d, err := Parse("vless://id@h:1#r")
	require.NoError(t, err)
	assert.Equal(t, "tcp", d.Transport())

	d, err = Parse("vless://id@h:1?type=grpc&type=ws#r")
	require.NoError(t, err)
	assert.Equal(t, "grpc", d.Transport())
}

func TestRewritePlainExample(t *testing.T) {
	d, err := Parse("vless://abc-123@old.example:8080?type=ws#myserver")
	require.NoError(t, err)

	r := d.Rewrite("pub.example", "Cloudflare")
	assert.Equal(t, "pub.example", r.Host())
	assert.Equal(t, "443", r.Port())
	assert.Equal(t, "Cloudflare-myserver", r.Remark())
	assert.Equal(t, "ws", r.Transport())
	assert.Equal(t, "abc-123", r.ClientID())

	p := r.(*Plain)
	assert.Equal(t, "tls", p.Query.Get("security"))
	assert.Equal(t, "pub.example", p.Query.Get("sni"))
	assert.Equal(t, "pub.example", p.Query.Get("host"))

	// The source value is untouched.
	assert.Equal(t, "old.example", d.Host())
	assert.Equal(t, "8080", d.Port())
	assert.Empty(t, d.(*Plain).Query.Get("sni"))
}

func TestRewriteIsIdempotentFromOriginal(t *testing.T) {
	d, err := Parse(plainRaw)
	require.NoError(t, err)

	first := d.Rewrite("pub.example", "Zrok").String()
	for i := 0; i < 3; i++ {
		assert.Equal(t, first, d.Rewrite("pub.example", "Zrok").String())
	}
}

func TestRewriteOfRewriteCompoundsRemark(t *testing.T) {
	d, err := Parse(plainRaw)
	require.NoError(t, err)
	twice := d.Rewrite("a.example", "A").Rewrite("b.example", "B")
	assert.Equal(t, "B-A-myserver", twice.Remark())
}

func TestRewriteEmptyRemarkAndLabel(t *testing.T) {
	d, err := Parse("vless://id@h:1?type=ws")
	require.NoError(t, err)
	assert.Equal(t, "Pinggy", d.Rewrite("x.example", "Pinggy").Remark())
	assert.Equal(t, DefaultLabel, d.Rewrite("x.example", "").Remark())
}

func TestPlainRoundTrip(t *testing.T) {
	for _, raw := range []string{
		plainRaw,
		"vless://id@[2001:db8::1]:443?type=grpc&serviceName=x#v6-node",
		"vless://id@host.example?type=ws",
	} {
		first, err := Parse(raw)
		require.NoError(t, err, raw)
		again, err := Parse(first.String())
		require.NoError(t, err, first.String())

		assert.Equal(t, first.ClientID(), again.ClientID())
		assert.Equal(t, first.Host(), again.Host())
		assert.Equal(t, first.Port(), again.Port())
		assert.Equal(t, first.Remark(), again.Remark())
		assert.Equal(t, first.(*Plain).Query, again.(*Plain).Query)
	}
}

func TestParseEncoded(t *testing.T) {
	raw := encodedRaw(t, map[string]any{
		"v": "2", "id": "uuid-1", "add": "10.0.0.1", "port": 8443,
		"ps": "home", "net": "ws", "path": "/ws", "aid": 0,
	})
	d, err := Parse(raw)
	require.NoError(t, err)

	e, ok := d.(*Encoded)
	require.True(t, ok)
	assert.Equal(t, "uuid-1", e.ClientID())
	assert.Equal(t, "10.0.0.1", e.Host())
	assert.Equal(t, "8443", e.Port())
	assert.Equal(t, "home", e.Remark())
	assert.Equal(t, "ws", e.Transport())
	assert.JSONEq(t, `"/ws"`, string(e.Extra["path"]))
	assert.NotContains(t, e.Extra, "id")
}

func TestEncodedRewriteAndRoundTrip(t *testing.T) {
	raw := encodedRaw(t, map[string]any{
		"id": "uuid-1", "add": "10.0.0.1", "port": "8443", "ps": "home",
		"net": "grpc", "custom": map[string]any{"nested": []int{1, 2}},
	})
	d, err := Parse(raw)
	require.NoError(t, err)

	r := d.Rewrite("pub.example", "Zrok")
	again, err := Parse(r.String())
	require.NoError(t, err)

	assert.Equal(t, "pub.example", again.Host())
	assert.Equal(t, "443", again.Port())
	assert.Equal(t, "Zrok-home", again.Remark())
	assert.Equal(t, "grpc", again.Transport())

	e := again.(*Encoded)
	assert.JSONEq(t, `"pub.example"`, string(e.Extra["sni"]))
	assert.JSONEq(t, `"pub.example"`, string(e.Extra["host"]))
	assert.JSONEq(t, `"tls"`, string(e.Extra["tls"]))
	assert.JSONEq(t, `{"nested":[1,2]}`, string(e.Extra["custom"]))

	// Source keeps its original host and no sni key.
	assert.Equal(t, "10.0.0.1", d.Host())
	assert.NotContains(t, d.(*Encoded).Extra, "sni")
}

func TestEncodedPortKeepsJSONKind(t *testing.T) {
	d, err := Parse(encodedRaw(t, map[string]any{"id": "u", "add": "h", "port": 80, "ps": ""}))
	require.NoError(t, err)
	b, err := base64.StdEncoding.DecodeString(d.Rewrite("x", "L").String()[len("vmess://"):])
	require.NoError(t, err)
	var obj map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &obj))
	assert.Equal(t, "443", string(obj["port"]))
}

func TestEncodedAcceptsUnpaddedBase64(t *testing.T) {
	b, err := json.Marshal(map[string]any{"id": "u", "add": "h", "port": "1", "ps": "p"})
	require.NoError(t, err)
	d, err := Parse("vmess://" + base64.RawStdEncoding.EncodeToString(b))
	require.NoError(t, err)
	assert.Equal(t, "h", d.Host())
}

func TestParseMalformed(t *testing.T) {
	cases := map[string]string{
		"no scheme":       "abc-123@host:1",
		"unknown scheme":  "trojan://pw@host:443",
		"plain no id":     "vless://host.example:443?type=ws",
		"bad base64":      "vmess://***notbase64***",
		"not json":        "vmess://" + base64.StdEncoding.EncodeToString([]byte("hello")),
		"missing remark":  "vmess://" + base64.StdEncoding.EncodeToString([]byte(`{"id":"u","add":"h","port":1}`)),
		"missing host":    "vmess://" + base64.StdEncoding.EncodeToString([]byte(`{"id":"u","port":1,"ps":""}`)),
		"non-number port": "vmess://" + base64.StdEncoding.EncodeToString([]byte(`{"id":"u","add":"h","port":true,"ps":""}`)),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}
}
