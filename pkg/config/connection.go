package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Connection is a parsed object store connection string.
//
// Syntax:
//
//	<scheme>://<key>:<secret>@<host>[:<port>]/<bucket>/<prefix>
//
// Scheme s3 targets the provider default endpoint; http and https target a
// custom endpoint at host:port (MinIO, localstack, on-prem gateways) and
// default to path-style addressing. Credentials are optional with the s3
// scheme, in which case the ambient SDK credential chain applies. The prefix
// may span multiple path segments and may be empty. Optional query
// parameters: region, pathStyle.
type Connection struct {
	Scheme    string
	AccessKey string
	SecretKey string
	Host      string
	Port      string
	Bucket    string
	Prefix    string
	Region    string
	PathStyle bool
}

// ParseConnection parses a connection string.
func ParseConnection(raw string) (*Connection, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	conn := &Connection{Scheme: u.Scheme}

	switch u.Scheme {
	case "s3":
	case "http", "https":
		conn.PathStyle = true
	default:
		return nil, fmt.Errorf("unsupported connection scheme %q (must be s3, http, or https)", u.Scheme)
	}

	if u.User != nil {
		conn.AccessKey = u.User.Username()
		if secret, ok := u.User.Password(); ok {
			conn.SecretKey = secret
		}
		if conn.AccessKey == "" || conn.SecretKey == "" {
			return nil, fmt.Errorf("connection credentials must include both key and secret")
		}
	}

	conn.Host = u.Hostname()
	conn.Port = u.Port()
	if (u.Scheme == "http" || u.Scheme == "https") && conn.Host == "" {
		return nil, fmt.Errorf("connection host is required for scheme %q", u.Scheme)
	}

	segments := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		return nil, fmt.Errorf("connection string is missing a bucket")
	}
	conn.Bucket = segments[0]
	if len(segments) > 1 {
		conn.Prefix = strings.Join(segments[1:], "/")
	}

	query := u.Query()
	if region := query.Get("region"); region != "" {
		conn.Region = region
	}
	if pathStyle := query.Get("pathStyle"); pathStyle != "" {
		conn.PathStyle = strings.EqualFold(pathStyle, "true")
	}

	return conn, nil
}

// Endpoint returns the custom endpoint URL, or "" when the provider default
// applies.
func (c *Connection) Endpoint() string {
	if c.Scheme == "s3" {
		return ""
	}
	if c.Port != "" {
		return fmt.Sprintf("%s://%s:%s", c.Scheme, c.Host, c.Port)
	}
	return fmt.Sprintf("%s://%s", c.Scheme, c.Host)
}

// apply writes the parsed fields into a StoreConfig.
func (c *Connection) apply(cfg *StoreConfig) {
	cfg.Endpoint = c.Endpoint()
	cfg.Bucket = c.Bucket
	cfg.Prefix = c.Prefix
	cfg.AccessKey = c.AccessKey
	cfg.SecretKey = c.SecretKey
	cfg.UsePathStyle = c.PathStyle
	if c.Region != "" {
		cfg.Region = c.Region
	}
}
