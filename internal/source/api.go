package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/foncierlab/medallion/internal/lake"
)

// dpeSelectFields are the columns requested from the data-fair API.
var dpeSelectFields = []string{
	"numero_dpe",
	"date_etablissement_dpe",
	"code_insee_commune_actualise",
	"classe_consommation_energie",
	"classe_estimation_ges",
	"tr002_type_batiment_description",
	"tv016_departement_code",
}

// apiSource pulls DPE records from the paginated ADEME data-fair API.
// The pagination token is the "next" URL returned by each page; it is the
// cursor persisted in the run manifest, so a resumed fetch continues from
// the exact page the previous run committed last.
type apiSource struct {
	baseURL  string
	pageSize int
	attempts int
	backoff  time.Duration
	throttle time.Duration
	client   *http.Client
	now      func() time.Time
}

func newAPISource(cfg Config) *apiSource {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	backoff := time.Duration(cfg.RetryBackoffMs) * time.Millisecond
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	pageSize := cfg.DPEPageSize
	if pageSize <= 0 {
		pageSize = 10000
	}
	return &apiSource{
		baseURL:  cfg.DPEBaseURL,
		pageSize: pageSize,
		attempts: cfg.RetryAttempts,
		backoff:  backoff,
		throttle: 130 * time.Millisecond, // stay under the API rate limit
		client:   &http.Client{Timeout: timeout},
		now:      time.Now,
	}
}

// apiResponse is the page shape returned by data-fair.
type apiResponse struct {
	Results []map[string]any `json:"results"`
	Next    string           `json:"next"`
}

func (s *apiSource) FetchPage(ctx context.Context, part lake.PartitionKey, cursor string) (*Page, error) {
	pageURL := cursor
	if pageURL == "" {
		var err error
		pageURL, err = s.buildURL(part)
		if err != nil {
			return nil, err
		}
	}

	var body []byte
	err := withRetry(ctx, s.attempts, s.backoff, func() error {
		if s.throttle > 0 {
			time.Sleep(s.throttle)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return markTransient(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return markTransient(fmt.Errorf("unexpected status %d", resp.StatusCode))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return markTransient(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var page apiResponse
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, &MalformedError{Source: pageURL, Reason: "undecodable JSON page", Err: err}
	}

	records := make([]lake.RawRecord, 0, len(page.Results))
	ingestedAt := s.now().UTC()
	for _, result := range page.Results {
		payload, err := json.Marshal(result)
		if err != nil {
			return nil, &MalformedError{Source: pageURL, Reason: "unencodable record", Err: err}
		}
		records = append(records, lake.RawRecord{
			ID:         recordID(result, payload),
			Source:     pageURL,
			Payload:    payload,
			IngestedAt: ingestedAt,
			Partition:  part,
		})
	}

	return &Page{
		Records:    records,
		NextCursor: page.Next,
		Done:       page.Next == "" || len(page.Results) == 0,
	}, nil
}

// buildURL constructs the first-page URL for a partition.
func (s *apiSource) buildURL(part lake.PartitionKey) (string, error) {
	start, end, err := lake.PeriodRange(part.Period)
	if err != nil {
		return "", err
	}
	// Date filter is inclusive on both ends.
	last := end.AddDate(0, 0, -1)

	qs := fmt.Sprintf(`tv016_departement_code:%q AND date_etablissement_dpe:[%s TO %s]`,
		part.Department, start.Format("2006-01-02"), last.Format("2006-01-02"))

	params := url.Values{}
	params.Set("select", strings.Join(dpeSelectFields, ","))
	params.Set("qs", qs)
	params.Set("size", fmt.Sprintf("%d", s.pageSize))

	return s.baseURL + "?" + params.Encode(), nil
}

// recordID prefers the natural DPE number; falls back to a payload hash for
// records missing it so provenance stays addressable.
func recordID(result map[string]any, payload []byte) string {
	if num, ok := result["numero_dpe"].(string); ok && num != "" {
		return num
	}
	return lake.ComputeChecksum(payload)
}

func (s *apiSource) Close() error { return nil }
