package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultGatewayURL = "https://www.deezer.com/ajax/gw-light.php"
	defaultAPIURL     = "https://api.deezer.com"
)

// DeezerOptions configures clients built by NewDeezerFactory.
type DeezerOptions struct {
	GatewayURL string
	APIURL     string
	Language   string
	Timeout    time.Duration
	// Limiter is shared by every client the factory creates since the
	// provider enforces its quota per address, not per login.
	Limiter *rate.Limiter
	// LanguageFunc, when set, is read on every request and overrides
	// Language unless it returns "".
	LanguageFunc func() string
}

// NewDeezerFactory returns a Factory producing independent Deezer clients,
// each with its own cookie jar.
func NewDeezerFactory(opts DeezerOptions) Factory {
	if opts.GatewayURL == "" {
		opts.GatewayURL = defaultGatewayURL
	}
	if opts.APIURL == "" {
		opts.APIURL = defaultAPIURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.Limiter == nil {
		opts.Limiter = rate.NewLimiter(rate.Inf, 1)
	}
	return func() Client {
		jar, _ := cookiejar.New(nil)
		return &Deezer{
			opts:       opts,
			httpClient: &http.Client{Jar: jar, Timeout: opts.Timeout},
		}
	}
}

// Deezer is a [Client] backed by the gw-light gateway for login and the
// public REST API for catalog pages.
type Deezer struct {
	opts       DeezerOptions
	httpClient *http.Client
	apiToken   string
}

// flexID accepts ids encoded either as JSON numbers or strings.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

type gwUser struct {
	UserID      flexID `json:"USER_ID"`
	BlogName    string `json:"BLOG_NAME"`
	UserPicture string `json:"USER_PICTURE"`
}

func (u gwUser) identity(country string) Identity {
	id := Identity{ID: string(u.UserID), Name: u.BlogName, Country: country}
	if u.UserPicture != "" {
		id.Picture = "https://e-cdns-images.dzcdn.net/images/user/" + u.UserPicture + "/125x125-000000-80-0-0.jpg"
	}
	return id
}

type gwUserData struct {
	User struct {
		gwUser
		MultiAccount struct {
			Enabled      bool `json:"ENABLED"`
			IsSubAccount bool `json:"IS_SUB_ACCOUNT"`
		} `json:"MULTI_ACCOUNT"`
	} `json:"USER"`
	Country   string `json:"COUNTRY"`
	CheckForm string `json:"checkForm"`
}

type gwChild struct {
	gwUser
	ExtraFamily struct {
		IsLoggableAs bool `json:"IS_LOGGABLE_AS"`
	} `json:"EXTRA_FAMILY"`
}

type gwEnvelope struct {
	Error   json.RawMessage `json:"error"`
	Results json.RawMessage `json:"results"`
}

// Authenticate implements [Client].
func (d *Deezer) Authenticate(ctx context.Context, token string, child int) (*Account, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrAuthFailed
	}
	gw, _ := url.Parse(d.opts.GatewayURL)
	d.httpClient.Jar.SetCookies(gw, []*http.Cookie{{Name: "arl", Value: token, Path: "/"}})

	var data gwUserData
	if err := d.gateway(ctx, "deezer.getUserData", nil, &data); err != nil {
		return nil, err
	}
	if data.User.UserID == "" || data.User.UserID == "0" {
		return nil, ErrAuthFailed
	}
	d.apiToken = data.CheckForm

	acct := &Account{Active: data.User.identity(data.Country)}
	if !data.User.MultiAccount.Enabled || data.User.MultiAccount.IsSubAccount {
		acct.Children = []Identity{acct.Active}
		return acct, nil
	}

	var children []gwChild
	if err := d.gateway(ctx, "deezer.getChildAccounts", nil, &children); err != nil {
		return nil, err
	}
	for _, c := range children {
		if c.ExtraFamily.IsLoggableAs {
			acct.Children = append(acct.Children, c.identity(data.Country))
		}
	}
	if len(acct.Children) == 0 {
		acct.Children = []Identity{acct.Active}
	}
	if child < 0 || child >= len(acct.Children) {
		child = 0
	}
	acct.Active = acct.Children[child]
	return acct, nil
}

// Home implements [Client].
func (d *Deezer) Home(ctx context.Context) (json.RawMessage, error) {
	return d.api(ctx, "/editorial/0/releases")
}

// Charts implements [Client].
func (d *Deezer) Charts(ctx context.Context) (json.RawMessage, error) {
	return d.api(ctx, "/editorial/0/charts")
}

// Favorites implements [Client].
func (d *Deezer) Favorites(ctx context.Context, user Identity) (json.RawMessage, error) {
	return d.api(ctx, "/user/"+url.PathEscape(user.ID)+"/playlists?limit=-1")
}

// UserLibrary implements [Client].
func (d *Deezer) UserLibrary(ctx context.Context, user Identity, section Section) (json.RawMessage, error) {
	return d.api(ctx, "/user/"+url.PathEscape(user.ID)+"/"+string(section)+"?limit=-1")
}

func (d *Deezer) Album(ctx context.Context, id string) (json.RawMessage, error) {
	return d.api(ctx, "/album/"+url.PathEscape(id))
}

func (d *Deezer) AlbumTracks(ctx context.Context, id string) (json.RawMessage, error) {
	return d.api(ctx, "/album/"+url.PathEscape(id)+"/tracks?limit=-1")
}

func (d *Deezer) Playlist(ctx context.Context, id string) (json.RawMessage, error) {
	return d.api(ctx, "/playlist/"+url.PathEscape(id))
}

func (d *Deezer) PlaylistTracks(ctx context.Context, id string) (json.RawMessage, error) {
	return d.api(ctx, "/playlist/"+url.PathEscape(id)+"/tracks?limit=-1")
}

func (d *Deezer) Artist(ctx context.Context, id string) (json.RawMessage, error) {
	return d.api(ctx, "/artist/"+url.PathEscape(id))
}

// ArtistDiscography implements [Client]. The first 100 releases are returned.
func (d *Deezer) ArtistDiscography(ctx context.Context, id string) (json.RawMessage, error) {
	return d.api(ctx, "/artist/"+url.PathEscape(id)+"/albums?limit=100")
}

func (d *Deezer) Track(ctx context.Context, id string) (json.RawMessage, error) {
	return d.api(ctx, "/track/"+url.PathEscape(id))
}

// Search implements [Client].
func (d *Deezer) Search(ctx context.Context, q SearchQuery) (json.RawMessage, error) {
	path, ok := SearchTypes[q.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSearchType, q.Type)
	}
	v := url.Values{}
	v.Set("q", q.Term)
	v.Set("index", strconv.Itoa(q.Start))
	v.Set("limit", strconv.Itoa(q.Nb))
	return d.api(ctx, path+"?"+v.Encode())
}

// MainSearch implements [Client] with the gateway's page search, which
// groups the top results of every type.
func (d *Deezer) MainSearch(ctx context.Context, term string) (json.RawMessage, error) {
	body := map[string]any{
		"query":          term,
		"start":          0,
		"nb":             40,
		"suggest":        true,
		"artist_suggest": true,
		"top_tracks":     true,
	}
	var out json.RawMessage
	if err := d.gateway(ctx, "deezer.pageSearch", body, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Deezer) gateway(ctx context.Context, method string, body any, out any) error {
	q := url.Values{}
	q.Set("method", method)
	q.Set("input", "3")
	q.Set("api_version", "1.0")
	q.Set("api_token", d.apiToken)

	payload := "{}"
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s body: %w", method, err)
		}
		payload = string(b)
	}

	raw, err := d.do(ctx, http.MethodPost, d.opts.GatewayURL+"?"+q.Encode(), strings.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}

	var env gwEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%s: decoding envelope: %w", method, err)
	}
	if hasGatewayError(env.Error) {
		return fmt.Errorf("%s: %w: %s", method, ErrAuthFailed, string(env.Error))
	}
	if err := json.Unmarshal(env.Results, out); err != nil {
		return fmt.Errorf("%s: decoding results: %w", method, err)
	}
	return nil
}

// hasGatewayError reports whether the gateway "error" field carries anything.
// It is an empty array on success and an object on failure.
func hasGatewayError(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s != "" && s != "[]" && s != "{}" && s != "null"
}

func (d *Deezer) api(ctx context.Context, path string) (json.RawMessage, error) {
	raw, err := d.do(ctx, http.MethodGet, d.opts.APIURL+path, nil)
	if err != nil {
		return nil, err
	}
	var apiErr struct {
		Error *struct {
			Type    string `json:"type"`
			Message string `json:"message"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &apiErr); err == nil && apiErr.Error != nil {
		return nil, fmt.Errorf("api %s: %s (%s, code %d)", path, apiErr.Error.Message, apiErr.Error.Type, apiErr.Error.Code)
	}
	return json.RawMessage(raw), nil
}

func (d *Deezer) language() string {
	if d.opts.LanguageFunc != nil {
		if lang := d.opts.LanguageFunc(); lang != "" {
			return lang
		}
	}
	return d.opts.Language
}

func (d *Deezer) do(ctx context.Context, method, target string, body io.Reader) ([]byte, error) {
	if err := d.opts.Limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if lang := d.language(); lang != "" {
		req.Header.Set("Accept-Language", lang)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
