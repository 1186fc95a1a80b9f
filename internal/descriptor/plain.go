package descriptor

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Plain is a URL-shaped share link: vless://id@host:port?query#remark.
type Plain struct {
	ID       string
	HostName string
	PortNum  string
	Label    string
	Query    url.Values
}

func parsePlain(raw string) (*Plain, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if u.User == nil || u.User.Username() == "" {
		return nil, fmt.Errorf("%w: missing identifier", ErrMalformed)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("%w: missing host", ErrMalformed)
	}
	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: query: %v", ErrMalformed, err)
	}
	return &Plain{
		ID:       u.User.Username(),
		HostName: u.Hostname(),
		PortNum:  u.Port(),
		Label:    u.Fragment,
		Query:    q,
	}, nil
}

func (p *Plain) Scheme() string   { return SchemePlain }
func (p *Plain) ClientID() string { return p.ID }
func (p *Plain) Host() string     { return p.HostName }
func (p *Plain) Port() string     { return p.PortNum }
func (p *Plain) Remark() string   { return p.Label }
func (p *Plain) sealed()          {}

// Transport returns the first "type" query value, or tcp.
func (p *Plain) Transport() string {
	if v := strings.TrimSpace(p.Query.Get("type")); v != "" {
		return v
	}
	return DefaultTransport
}

func (p *Plain) Rewrite(host, label string) Descriptor {
	q := make(url.Values, len(p.Query)+3)
	for k, vs := range p.Query {
		q[k] = append([]string(nil), vs...)
	}
	q.Set("security", "tls")
	q.Set("sni", host)
	q.Set("host", host)
	return &Plain{
		ID:       p.ID,
		HostName: host,
		PortNum:  PublicPort,
		Label:    remarkFor(label, p.Label),
		Query:    q,
	}
}

func (p *Plain) String() string {
	hostport := p.HostName
	if p.PortNum != "" {
		hostport = net.JoinHostPort(p.HostName, p.PortNum)
	} else if strings.Contains(p.HostName, ":") {
		hostport = "[" + p.HostName + "]"
	}
	u := url.URL{
		Scheme:   SchemePlain,
		User:     url.User(p.ID),
		Host:     hostport,
		RawQuery: p.Query.Encode(),
		Fragment: p.Label,
	}
	return u.String()
}
