package descriptor

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Required keys of the Encoded JSON object.
const (
	keyID     = "id"
	keyHost   = "add"
	keyPort   = "port"
	keyRemark = "ps"
)

// Encoded is a base64(JSON) share link: vmess://<base64>.
//
// Extra holds every key other than id/add/port/ps as raw JSON so values of
// any shape survive a rewrite untouched.
type Encoded struct {
	ID       string
	HostName string
	PortNum  string
	Label    string
	Extra    map[string]json.RawMessage

	// numericPort records whether "port" was a JSON number in the source.
	numericPort bool
}

var base64Encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

func decodeBase64(s string) ([]byte, error) {
	var lastErr error
	for _, enc := range base64Encodings {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func parseEncoded(rest string) (*Encoded, error) {
	// Some clients append a #remark or ?query after the payload.
	if i := strings.IndexAny(rest, "#?"); i >= 0 {
		rest = rest[:i]
	}
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	b, err := decodeBase64(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: base64: %v", ErrMalformed, err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(b, &obj); err != nil {
		return nil, fmt.Errorf("%w: json: %v", ErrMalformed, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: payload is not an object", ErrMalformed)
	}

	e := &Encoded{Extra: make(map[string]json.RawMessage, len(obj))}
	for _, k := range []string{keyID, keyHost, keyPort, keyRemark} {
		if _, ok := obj[k]; !ok {
			return nil, fmt.Errorf("%w: missing %q", ErrMalformed, k)
		}
	}
	if e.ID, err = jsonString(obj[keyID]); err != nil || e.ID == "" {
		return nil, fmt.Errorf("%w: invalid %q", ErrMalformed, keyID)
	}
	if e.HostName, err = jsonString(obj[keyHost]); err != nil || e.HostName == "" {
		return nil, fmt.Errorf("%w: invalid %q", ErrMalformed, keyHost)
	}
	if e.Label, err = jsonString(obj[keyRemark]); err != nil {
		return nil, fmt.Errorf("%w: invalid %q", ErrMalformed, keyRemark)
	}
	if e.PortNum, e.numericPort, err = jsonPort(obj[keyPort]); err != nil {
		return nil, fmt.Errorf("%w: invalid %q: %v", ErrMalformed, keyPort, err)
	}
	for k, v := range obj {
		switch k {
		case keyID, keyHost, keyPort, keyRemark:
		default:
			e.Extra[k] = v
		}
	}
	return e, nil
}

func jsonString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}

func jsonPort(raw json.RawMessage) (string, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		s, err := jsonString(trimmed)
		return s, false, err
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return "", false, err
	}
	if _, err := strconv.Atoi(n.String()); err != nil {
		return "", false, err
	}
	return n.String(), true, nil
}

func (e *Encoded) Scheme() string   { return SchemeEncoded }
func (e *Encoded) ClientID() string { return e.ID }
func (e *Encoded) Host() string     { return e.HostName }
func (e *Encoded) Port() string     { return e.PortNum }
func (e *Encoded) Remark() string   { return e.Label }
func (e *Encoded) sealed()          {}

// Transport returns the "net" field, or tcp.
func (e *Encoded) Transport() string {
	raw, ok := e.Extra["net"]
	if !ok {
		return DefaultTransport
	}
	s, err := jsonString(raw)
	if err != nil || strings.TrimSpace(s) == "" {
		return DefaultTransport
	}
	return s
}

func (e *Encoded) Rewrite(host, label string) Descriptor {
	extra := make(map[string]json.RawMessage, len(e.Extra)+3)
	for k, v := range e.Extra {
		extra[k] = append(json.RawMessage(nil), v...)
	}
	quoted, _ := json.Marshal(host)
	extra["sni"] = json.RawMessage(quoted)
	extra["host"] = json.RawMessage(quoted)
	extra["tls"] = json.RawMessage(`"tls"`)
	return &Encoded{
		ID:          e.ID,
		HostName:    host,
		PortNum:     PublicPort,
		Label:       remarkFor(label, e.Label),
		Extra:       extra,
		numericPort: e.numericPort,
	}
}

func (e *Encoded) String() string {
	obj := make(map[string]any, len(e.Extra)+4)
	for k, v := range e.Extra {
		obj[k] = v
	}
	obj[keyID] = e.ID
	obj[keyHost] = e.HostName
	obj[keyRemark] = e.Label
	if e.numericPort {
		obj[keyPort] = json.Number(e.PortNum)
	} else {
		obj[keyPort] = e.PortNum
	}
	// Map keys are emitted sorted, so the encoding is deterministic.
	b, err := json.Marshal(obj)
	if err != nil {
		return SchemeEncoded + "://"
	}
	return SchemeEncoded + "://" + base64.StdEncoding.EncodeToString(b)
}
