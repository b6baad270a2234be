package nametag

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/brojonat/txlens/service/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"
)

const (
	taggedTitlePage = `<html><head><title>
	Uniswap V2: Router 2 | Address: 0x7a250d56...2488D | Etherscan
</title></head><body></body></html>`

	primaryTagPage = `<html><head><title>Address 0xabc | Etherscan</title></head><body>
<div class="d-flex align-items-center gap-1 mt-2"><span> Binance </span><span>14</span></div>
<span class="hash-tag text-truncate">SomeContract</span>
</body></html>`

	contractNamePage = `<html><head><title>Address 0xabc | Etherscan</title></head><body>
<span class="hash-tag text-truncate">FiatTokenProxy</span>
</body></html>`

	groupedTagPage = `<html><head><title>Contract Address 0xabc | Etherscan</title></head><body>
<div class="d-flex flex-wrap align-items-center gap-1">
  <div class="d-flex align-items-center gap-1"><a>Lido: Executor</a></div>
  <div class="d-flex align-items-center gap-1"><a>second</a></div>
</div>
</body></html>`

	untaggedPage = `<html><head><title>Address 0xabc | Etherscan</title></head><body><p>nothing</p></body></html>`
)

func parse(t *testing.T, page string) *html.Node {
	t.Helper()
	doc, err := html.Parse(strings.NewReader(page))
	require.NoError(t, err)
	return doc
}

func TestExtract_FallbackChain(t *testing.T) {
	tests := []struct {
		name           string
		page           string
		expectLabel    string
		expectStrategy string
	}{
		{name: "title", page: taggedTitlePage, expectLabel: "Uniswap V2: Router 2", expectStrategy: "title"},
		{name: "primary tag wins over contract name", page: primaryTagPage, expectLabel: "Binance14", expectStrategy: "primary_tag"},
		{name: "contract name", page: contractNamePage, expectLabel: "FiatTokenProxy", expectStrategy: "contract_name"},
		{name: "grouped tag", page: groupedTagPage, expectLabel: "Lido: Executor", expectStrategy: "grouped_tag"},
		{name: "nothing", page: untaggedPage, expectLabel: "", expectStrategy: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			label, strategy := Extract(parse(t, tt.page), EtherscanStrategies())
			assert.Equal(t, tt.expectLabel, label)
			assert.Equal(t, tt.expectStrategy, strategy)
		})
	}
}

func TestScraper_Label(t *testing.T) {
	var gotPath, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUA = r.Header.Get("User-Agent")
		_, _ = w.Write([]byte(contractNamePage))
	}))
	defer srv.Close()

	s := NewScraper(srv.URL+"/", srv.Client(), nil, nil, nil)
	label, err := s.Label(context.Background(), "0xabc")
	require.NoError(t, err)

	assert.Equal(t, "FiatTokenProxy", label)
	assert.Equal(t, "/address/0xabc", gotPath)
	assert.NotEmpty(t, gotUA)
}

func TestScraper_StatusClassification(t *testing.T) {
	tests := []struct {
		name            string
		status          int
		expectTransient bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, expectTransient: true},
		{name: "server error", status: http.StatusServiceUnavailable, expectTransient: true},
		{name: "forbidden", status: http.StatusForbidden, expectTransient: false},
		{name: "not found", status: http.StatusNotFound, expectTransient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			s := NewScraper(srv.URL, srv.Client(), nil, nil, nil)
			_, err := s.Label(context.Background(), "0xabc")
			require.Error(t, err)
			assert.Equal(t, tt.expectTransient, retry.IsTransient(err))
		})
	}
}
