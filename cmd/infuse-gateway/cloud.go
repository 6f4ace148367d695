package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/infuse-iot/gateway/pkg/config"
	"github.com/infuse-iot/gateway/pkg/registry"
)

// cloudFetcher implements registry.SharedSecretFetcher against the cloud's
// /key/sharedSecret endpoint. The endpoint itself is an opaque collaborator;
// only this fetch contract is part of the gateway.
type cloudFetcher struct {
	url      string
	user     string
	password string
	client   *http.Client
}

// credentialPath is where `infuse-gateway provision` stores the cloud API
// password, next to the configuration file.
func credentialPath() string {
	return filepath.Join(filepath.Dir(config.DefaultConfigPath()), "cloud_credential")
}

// newCloudFetcher wires the fetcher from configuration, returning nil when
// no endpoint is configured (handshakes then fail with a clear error instead
// of a dangling HTTP call).
func newCloudFetcher(cfg *config.Config) registry.SharedSecretFetcher {
	if cfg.Cloud.SharedSecretURL == "" {
		return nil
	}
	password := ""
	if data, err := os.ReadFile(credentialPath()); err == nil {
		password = strings.TrimSpace(string(data))
	}
	return &cloudFetcher{
		url:      cfg.Cloud.SharedSecretURL,
		user:     cfg.Cloud.BasicAuthUser,
		password: password,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (f *cloudFetcher) FetchSharedSecret(ctx context.Context, devicePublicKey []byte) ([]byte, error) {
	keyEnc := base64.StdEncoding.EncodeToString(devicePublicKey)
	reqURL := f.url + "?publicKey=" + url.QueryEscape(keyEnc)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	if f.user != "" {
		req.SetBasicAuth(f.user, f.password)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching shared secret: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("shared secret endpoint returned %s", resp.Status)
	}

	var body struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding shared secret response: %w", err)
	}
	secret, err := base64.StdEncoding.DecodeString(body.Key)
	if err != nil {
		return nil, fmt.Errorf("decoding shared secret: %w", err)
	}
	return secret, nil
}
