package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

type configuration struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	JwksURI               string `json:"jwks_uri"`
	EndSessionEndpoint    string `json:"end_session_endpoint"`
}

func fetchConfiguration(ctx context.Context, httpClient *http.Client, endpointURL string, target interface{}) error {
	if httpClient == nil {
		return errors.New("no http client specified")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL, nil)
	if err != nil {
		return err
	}
	req.Header.Add("Accept", "application/json")

	r, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer r.Body.Close()
	if r.StatusCode == http.StatusNotFound {
		return errors.New("record was not found")
	}
	if r.StatusCode != http.StatusOK {
		return errors.New("received incorrect status : " + strconv.Itoa(r.StatusCode))
	}
	return json.NewDecoder(r.Body).Decode(target)
}

func fetchToken(ctx context.Context, httpClient *http.Client, endpointURL string, form url.Values, target interface{}) error {
	if httpClient == nil {
		return errors.New("no http client specified")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpointURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Add("Accept", "application/json")
	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")

	r, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer r.Body.Close()
	if r.StatusCode == http.StatusNotFound {
		return errors.New("record was not found")
	}
	if r.StatusCode != http.StatusOK {
		providerErr := new(ProviderError)
		if err := json.NewDecoder(r.Body).Decode(providerErr); err == nil && providerErr.Code != "" {
			return providerErr
		}
		return errors.New("received incorrect status : " + strconv.Itoa(r.StatusCode))
	}
	return json.NewDecoder(r.Body).Decode(target)
}

// callbackParams extracts the authorization response from a redirect URL.
func callbackParams(callbackURL string) (code string, state string, err error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return "", "", err
	}
	q := u.Query()
	if q.Get("error") != "" {
		return "", q.Get("state"), &ProviderError{Code: q.Get("error"), Description: q.Get("error_description")}
	}
	if q.Get("code") == "" || q.Get("state") == "" {
		return "", "", errors.New("callback url is missing code or state")
	}
	return q.Get("code"), q.Get("state"), nil
}
