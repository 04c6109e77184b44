package sentry

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/roadrunner-server/errors"
)

// DSN represents a parsed Sentry DSN
type DSN struct {
	raw       string
	Scheme    string
	PublicKey string
	SecretKey string
	Host      string
	Port      int
	Path      string
	ProjectID string

	// Computed envelope endpoint
	EnvelopeURL string
}

// ParseDSN parses a Sentry DSN string
func ParseDSN(dsnStr string) (*DSN, error) {
	const op = errors.Op("sentry_parse_dsn")

	if dsnStr == "" {
		return nil, errors.E(op, errors.Str("DSN is empty"))
	}

	parsedURL, err := url.Parse(dsnStr)
	if err != nil {
		return nil, errors.E(op, fmt.Errorf("the %q DSN is invalid: %w", dsnStr, err))
	}

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path == "" ||
		parsedURL.User == nil || parsedURL.User.Username() == "" {
		return nil, errors.E(op, fmt.Errorf("the %q DSN must contain a scheme, a host, a user and a path component", dsnStr))
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return nil, errors.E(op, fmt.Errorf("the scheme of the %q DSN must be either \"http\" or \"https\"", dsnStr))
	}

	port := 80
	if parsedURL.Scheme == "https" {
		port = 443
	}
	if parsedURL.Port() != "" {
		portNum, err := strconv.Atoi(parsedURL.Port())
		if err != nil {
			return nil, errors.E(op, fmt.Errorf("the %q DSN has an invalid port: %w", dsnStr, err))
		}
		port = portNum
	}

	// The last path segment is the project, anything before it is a path prefix.
	pathSegments := strings.Split(strings.Trim(parsedURL.Path, "/"), "/")
	projectID := pathSegments[len(pathSegments)-1]
	if projectID == "" {
		return nil, errors.E(op, fmt.Errorf("the %q DSN path must contain a project ID", dsnStr))
	}
	if _, err := strconv.ParseUint(projectID, 10, 64); err != nil {
		return nil, errors.E(op, fmt.Errorf("the %q DSN project ID must be numeric", dsnStr))
	}

	path := ""
	if len(pathSegments) > 1 {
		path = "/" + strings.Join(pathSegments[:len(pathSegments)-1], "/")
	}

	secretKey, _ := parsedURL.User.Password()

	dsn := &DSN{
		raw:       dsnStr,
		Scheme:    parsedURL.Scheme,
		PublicKey: parsedURL.User.Username(),
		SecretKey: secretKey,
		Host:      parsedURL.Hostname(),
		Port:      port,
		Path:      path,
		ProjectID: projectID,
	}
	dsn.EnvelopeURL = dsn.baseURL() + "/envelope/"

	return dsn, nil
}

// String returns the DSN as configured.
func (d *DSN) String() string {
	return d.raw
}

// baseURL returns the project API endpoint URL
func (d *DSN) baseURL() string {
	u := fmt.Sprintf("%s://%s", d.Scheme, d.Host)

	if (d.Scheme == "http" && d.Port != 80) || (d.Scheme == "https" && d.Port != 443) {
		u += fmt.Sprintf(":%d", d.Port)
	}

	return u + d.Path + "/api/" + d.ProjectID
}

// AuthHeader returns the X-Sentry-Auth header value
func (d *DSN) AuthHeader(client string, now time.Time) string {
	auth := fmt.Sprintf("Sentry sentry_version=7, sentry_client=%s, sentry_timestamp=%d, sentry_key=%s",
		client, now.Unix(), d.PublicKey)

	if d.SecretKey != "" {
		auth += ", sentry_secret=" + d.SecretKey
	}

	return auth
}
