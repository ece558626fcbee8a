package content

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const defaultBaseURL = "https://api.github.com"

// Declarations a snippet may start at, tried in order. The first pattern
// with any match in a file wins for that file.
var declarationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^export function`),
	regexp.MustCompile(`(?m)^export async function`),
	regexp.MustCompile(`(?m)^export default function`),
	regexp.MustCompile(`(?m)^function`),
	regexp.MustCompile(`(?m)^async function`),
	regexp.MustCompile(`(?m)^export class `),
	regexp.MustCompile(`(?m)^module\.exports = function`),
}

// Config holds configuration for a GitHub snippet source.
type Config struct {
	// BaseURL defaults to https://api.github.com.
	BaseURL string

	// Token is sent as a bearer token when set. Unauthenticated code
	// search is heavily rate limited.
	Token string

	// Users restricts the search to code owned by these GitHub users.
	Users []string

	// SnippetLength is the maximum snippet size in runes. Defaults to 250.
	SnippetLength int

	// PerPage is the number of search results requested. Defaults to 30.
	PerPage int

	// Timeout bounds one Fetch that misses the cache. Defaults to 4s.
	Timeout time.Duration

	// Limiter paces search requests. Defaults to one search every six
	// seconds, GitHub's authenticated code search budget.
	Limiter *rate.Limiter

	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// APIError is a non-2xx response from the GitHub API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github: HTTP %d: %s", e.StatusCode, e.Message)
}

// GitHub finds snippets with GitHub code search. Every file fetched yields
// several snippets; the surplus is cached and served before searching again.
type GitHub struct {
	baseURL    string
	token      string
	users      []string
	length     int
	perPage    int
	timeout    time.Duration
	limiter    *rate.Limiter
	httpClient *http.Client
	log        zerolog.Logger

	mu    sync.Mutex
	cache []Snippet
}

func NewGitHub(cfg Config) *GitHub {
	g := &GitHub{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		users:      cfg.Users,
		length:     cfg.SnippetLength,
		perPage:    cfg.PerPage,
		timeout:    cfg.Timeout,
		limiter:    cfg.Limiter,
		httpClient: cfg.HTTPClient,
		log:        cfg.Logger,
	}
	if g.baseURL == "" {
		g.baseURL = defaultBaseURL
	}
	if g.length <= 0 {
		g.length = 250
	}
	if g.perPage <= 0 {
		g.perPage = 30
	}
	if g.timeout <= 0 {
		g.timeout = 4 * time.Second
	}
	if g.limiter == nil {
		g.limiter = rate.NewLimiter(rate.Every(6*time.Second), 1)
	}
	if g.httpClient == nil {
		g.httpClient = http.DefaultClient
	}
	return g
}

// Fetch returns a cached snippet, or searches for new ones. Any failure
// yields Default.
func (g *GitHub) Fetch(ctx context.Context) Snippet {
	if s, ok := g.pop(); ok {
		return s
	}

	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	snippets, err := g.search(ctx)
	if err == nil && len(snippets) == 0 {
		err = errors.New("no snippet found")
	}
	if err != nil {
		g.log.Warn().Err(err).Msg("snippet search failed, using default")
		return Default()
	}

	g.mu.Lock()
	g.cache = append(g.cache, snippets[1:]...)
	g.mu.Unlock()

	g.log.Info().
		Str("url", snippets[0].HTMLURL).
		Dur("took", time.Since(start)).
		Int("cached", len(snippets)-1).
		Msg("snippet found")
	return snippets[0]
}

// Warm fills the cache so the first race does not wait on GitHub.
func (g *GitHub) Warm(ctx context.Context) {
	s := g.Fetch(ctx)
	if s.URL != "" {
		g.mu.Lock()
		g.cache = append(g.cache, s)
		g.mu.Unlock()
	}
}

// Cached reports how many snippets are waiting in the cache.
func (g *GitHub) Cached() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cache)
}

func (g *GitHub) pop() (Snippet, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.cache) == 0 {
		return Snippet{}, false
	}
	s := g.cache[len(g.cache)-1]
	g.cache = g.cache[:len(g.cache)-1]
	return s, true
}

type searchResult struct {
	Items []codeFile `json:"items"`
}

type codeFile struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	URL        string `json:"url"`
	GitURL     string `json:"git_url"`
	HTMLURL    string `json:"html_url"`
	Repository struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Owner       struct {
			Login     string `json:"login"`
			AvatarURL string `json:"avatar_url"`
			HTMLURL   string `json:"html_url"`
		} `json:"owner"`
	} `json:"repository"`
}

type blob struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

func (g *GitHub) search(ctx context.Context) ([]Snippet, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for search budget: %w", err)
	}

	q := "function language:typescript language:javascript"
	if len(g.users) > 0 {
		q += " user:" + g.users[rand.IntN(len(g.users))]
	}
	params := url.Values{}
	params.Set("q", q)
	params.Set("per_page", fmt.Sprint(g.perPage))
	params.Set("page", fmt.Sprint(1+rand.IntN(3)))
	if rand.IntN(2) == 0 {
		params.Set("sort", "indexed")
	}

	var result searchResult
	if err := g.getJSON(ctx, g.baseURL+"/search/code?"+params.Encode(), &result); err != nil {
		return nil, fmt.Errorf("searching code: %w", err)
	}

	var (
		mu       sync.Mutex
		snippets []Snippet
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(4)
	for _, file := range result.Items {
		group.Go(func() error {
			found, err := g.snippetsFrom(groupCtx, file)
			if err != nil {
				g.log.Debug().Err(err).Str("file", file.HTMLURL).Msg("skipping file")
				return nil
			}
			mu.Lock()
			snippets = append(snippets, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return snippets, nil
}

func (g *GitHub) snippetsFrom(ctx context.Context, file codeFile) ([]Snippet, error) {
	var b blob
	if err := g.getJSON(ctx, file.GitURL, &b); err != nil {
		return nil, err
	}
	if b.Encoding != "base64" {
		return nil, fmt.Errorf("unsupported blob encoding %q", b.Encoding)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(b.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("decoding blob: %w", err)
	}
	source := string(raw)

	for _, pattern := range declarationPatterns {
		matches := pattern.FindAllStringIndex(source, -1)
		if len(matches) == 0 {
			continue
		}
		snippets := make([]Snippet, 0, len(matches))
		for _, m := range matches {
			snippets = append(snippets, Snippet{
				Content:    truncateRunes(source[m[0]:], g.length),
				StartIndex: m[0],
				URL:        file.URL,
				HTMLURL:    file.HTMLURL,
				Name:       file.Name,
				Path:       file.Path,
				Repository: Repository{
					Name:        file.Repository.Name,
					Description: file.Repository.Description,
				},
				Owner: Owner{
					Name:      file.Repository.Owner.Login,
					AvatarURL: file.Repository.Owner.AvatarURL,
					URL:       file.Repository.Owner.HTMLURL,
				},
				LineNumber: strings.Count(source[:m[0]], "\n") + 1,
			})
		}
		return snippets, nil
	}
	return nil, errors.New("no declaration found")
}

func (g *GitHub) getJSON(ctx context.Context, target string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	if g.token != "" {
		req.Header.Set("Authorization", "Bearer "+g.token)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var msg struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &msg) != nil || msg.Message == "" {
			msg.Message = http.StatusText(resp.StatusCode)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg.Message}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
