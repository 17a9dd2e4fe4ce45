// Clerk session maintenance.
//
// The cookie only identifies a Clerk client; everything else needed to talk
// to the engine backend (session id, organization, short-lived JWT, the
// WebSocket user token) is fetched from Clerk at open time. JWTs expire
// quickly, so the session refreshes them through the touch/tokens endpoints
// rather than re-running the full handshake.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/enginebridge/engine-gateway/internal/config"
)

// credentials is everything the engine backend needs from one Clerk client.
type credentials struct {
	cookie    string
	sessionID string
	orgID     string
	jwt       string
	wsToken   string
}

type clerkClient struct {
	baseURL string
	origin  string
	http    *http.Client
}

func newClerkClient(baseURL, origin string, httpClient *http.Client) *clerkClient {
	return &clerkClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		origin:  origin,
		http:    httpClient,
	}
}

func (c *clerkClient) versionQuery() string {
	q := url.Values{}
	q.Set("__clerk_api_version", config.ClerkAPIVersion)
	q.Set("_clerk_js_version", config.ClerkJSVersion)
	return q.Encode()
}

func (c *clerkClient) do(ctx context.Context, method, rawURL, cookie string, form url.Values) (gjson.Result, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return gjson.Result{}, err
	}
	browserHeaders(req.Header, rawURL, c.origin)
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Cookie", cookie)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return gjson.Result{}, WrapError(KindAuth, err, "clerk request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return gjson.Result{}, WrapError(KindAuth, err, "clerk response read failed")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := string(data)
		if len(snippet) > config.MaxErrorBodyLogLen {
			snippet = snippet[:config.MaxErrorBodyLogLen]
		}
		return gjson.Result{}, NewError(KindAuth, "clerk returned %d: %s", resp.StatusCode, snippet)
	}
	return gjson.ParseBytes(data), nil
}

// authenticate runs the full handshake: client info, membership fallback,
// then a JWT refresh so the session starts with a fresh token.
func (c *clerkClient) authenticate(ctx context.Context, cookie string) (*credentials, error) {
	creds := &credentials{cookie: cookie}

	if err := c.fetchClientInfo(ctx, creds); err != nil {
		return nil, err
	}
	if creds.sessionID == "" || creds.wsToken == "" {
		if err := c.fetchMemberships(ctx, creds); err != nil {
			log.Debug().Err(err).Msg("clerk: membership fallback failed")
		}
	}
	if creds.sessionID == "" || creds.wsToken == "" {
		return nil, NewError(KindAuth, "clerk response carried no usable session")
	}
	if err := c.refreshJWT(ctx, creds); err != nil {
		return nil, err
	}
	return creds, nil
}

func (c *clerkClient) fetchClientInfo(ctx context.Context, creds *credentials) error {
	rawURL := fmt.Sprintf("%s/v1/client?%s", c.baseURL, c.versionQuery())
	payload, err := c.do(ctx, http.MethodGet, rawURL, creds.cookie, nil)
	if err != nil {
		return err
	}

	client := payload.Get("response")
	if !client.Exists() {
		client = payload.Get("client")
	}
	fillFromClient(client, creds)
	return nil
}

// fetchMemberships covers accounts whose ws token only appears on the
// organization membership listing.
func (c *clerkClient) fetchMemberships(ctx context.Context, creds *credentials) error {
	rawURL := fmt.Sprintf("%s/v1/me/organization_memberships?%s&paginated=true&limit=10&offset=0",
		c.baseURL, c.versionQuery())
	payload, err := c.do(ctx, http.MethodGet, rawURL, creds.cookie, nil)
	if err != nil {
		return err
	}
	fillFromClient(payload.Get("client"), creds)
	return nil
}

// fillFromClient extracts session, org and token fields from a Clerk client
// object, keeping any values already present.
func fillFromClient(client gjson.Result, creds *credentials) {
	if !client.Exists() {
		return
	}
	sessions := client.Get("sessions").Array()
	if len(sessions) == 0 {
		return
	}

	if creds.sessionID == "" {
		creds.sessionID = client.Get("last_active_session_id").String()
	}
	session := sessions[0]
	for _, s := range sessions {
		if s.Get("id").String() == creds.sessionID {
			session = s
			break
		}
	}
	if creds.sessionID == "" {
		creds.sessionID = session.Get("id").String()
	}

	if creds.orgID == "" {
		creds.orgID = firstNonEmpty(
			client.Get("last_active_organization_id").String(),
			session.Get("last_active_organization_id").String(),
			client.Get("organization_memberships.0.organization.id").String(),
		)
	}
	if creds.jwt == "" {
		creds.jwt = session.Get("last_active_token.jwt").String()
	}
	if creds.wsToken == "" {
		creds.wsToken = firstNonEmpty(
			session.Get("ws_user_token").String(),
			session.Get("wsToken").String(),
			session.Get("last_active_token.jwt").String(),
			session.Get("user.id").String(),
		)
	}
}

// refreshJWT touches the session (keeps it alive, pins the active org) and
// mints a fresh token.
func (c *clerkClient) refreshJWT(ctx context.Context, creds *credentials) error {
	if creds.sessionID == "" {
		return NewError(KindAuth, "cannot refresh JWT without a session id")
	}

	touchURL := fmt.Sprintf("%s/v1/client/sessions/%s/touch?%s", c.baseURL, creds.sessionID, c.versionQuery())
	form := url.Values{}
	if creds.orgID != "" {
		form.Set("active_organization_id", creds.orgID)
	}
	touched, err := c.do(ctx, http.MethodPost, touchURL, creds.cookie, form)
	if err != nil {
		return err
	}
	if jwt := touched.Get("jwt").String(); jwt != "" {
		creds.jwt = jwt
	}

	tokenURL := fmt.Sprintf("%s/v1/client/sessions/%s/tokens?%s", c.baseURL, creds.sessionID, c.versionQuery())
	minted, err := c.do(ctx, http.MethodPost, tokenURL, creds.cookie, url.Values{})
	if err != nil {
		return err
	}
	jwt := minted.Get("jwt").String()
	if jwt == "" {
		return NewError(KindAuth, "clerk minted an empty JWT")
	}
	creds.jwt = jwt
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
