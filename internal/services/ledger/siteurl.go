package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// SiteURLHash returns the SHA-256 of the registrable domain (eTLD+1) of rawurl,
// so that two installs on the same site can be correlated without storing the URL.
// An empty rawurl yields an empty hash.
func SiteURLHash(rawurl string) (string, error) {
	rawurl = strings.TrimSpace(rawurl)
	if rawurl == "" {
		return "", nil
	}
	if !strings.Contains(rawurl, "://") {
		rawurl = "https://" + rawurl
	}
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", err
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", errors.New("missing host")
	}
	registrable, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		registrable = host
	}
	sum := sha256.Sum256([]byte(registrable))
	return hex.EncodeToString(sum[:]), nil
}
