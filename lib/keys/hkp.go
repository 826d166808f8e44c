package keys

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// PushKey uploads one public key to an HKP keyserver so other operators can
// verify images signed with it.
func (s *Store) PushKey(ctx context.Context, endpoint, fingerprint string) error {
	armored, err := s.ArmoredPublicKey(fingerprint)
	if err != nil {
		return err
	}

	form := url.Values{"keytext": {armored}}
	addURL := strings.TrimSuffix(endpoint, "/") + "/pks/add"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, addURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build keyserver request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("push key: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("keyserver rejected key: %s", resp.Status)
	}

	s.logger.Info("pushed public key", "fingerprint", fingerprint, "keyserver", endpoint)
	return nil
}
