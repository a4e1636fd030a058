package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"market-chat/contract"
	"market-chat/domain"
	"market-chat/errors"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

var (
	_ contract.ListingOracle = (*HTTPListingOracle)(nil)
	_ contract.ListingOracle = (*StaticListingOracle)(nil)
)

type listingPayload struct {
	ID       string `json:"id"`
	SellerID string `json:"sellerId"`
	Title    string `json:"title"`
}

func (p listingPayload) toDomain() domain.Listing {
	return domain.Listing{ID: domain.ListingID(p.ID), SellerID: domain.UserID(p.SellerID), Title: p.Title}
}

// HTTPListingOracle asks the marketplace catalogue who sells a listing:
// GET {baseURL}/listings/{id}.
type HTTPListingOracle struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPListingOracle(baseURL string, timeout time.Duration) *HTTPListingOracle {
	return &HTTPListingOracle{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (o *HTTPListingOracle) Listing(ctx context.Context, id domain.ListingID) (domain.Listing, error) {
	endpoint := fmt.Sprintf("%s/listings/%s", o.baseURL, url.PathEscape(string(id)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return domain.Listing{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("%w: listing service: %v", errors.ErrStorageUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return domain.Listing{}, fmt.Errorf("%w: %s", errors.ErrListingNotFound, id)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.Listing{}, fmt.Errorf("%w: listing service returned %d: %s", errors.ErrStorageUnavailable, resp.StatusCode, body)
	}

	var payload listingPayload
	if err = json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return domain.Listing{}, fmt.Errorf("%w: decoding listing %s: %v", errors.ErrStorageUnavailable, id, err)
	}
	if payload.SellerID == "" {
		return domain.Listing{}, fmt.Errorf("%w: listing %s has no seller", errors.ErrListingNotFound, id)
	}
	listing := payload.toDomain()
	listing.ID = id
	return listing, nil
}

// StaticListingOracle serves listings from a JSON file, for local runs
// without a catalogue.
type StaticListingOracle struct {
	listings map[domain.ListingID]domain.Listing
}

func NewStaticListingOracle(listings ...domain.Listing) *StaticListingOracle {
	o := &StaticListingOracle{listings: make(map[domain.ListingID]domain.Listing, len(listings))}
	for _, l := range listings {
		o.listings[l.ID] = l
	}
	return o
}

// LoadStaticListings reads a JSON array of {id, sellerId, title}. An empty
// path gives an oracle that knows no listing.
func LoadStaticListings(path string) (*StaticListingOracle, error) {
	if path == "" {
		return NewStaticListingOracle(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading listings file: %w", err)
	}
	var payloads []listingPayload
	if err = json.Unmarshal(raw, &payloads); err != nil {
		return nil, fmt.Errorf("decoding listings file %s: %w", path, err)
	}
	listings := make([]domain.Listing, 0, len(payloads))
	for _, p := range payloads {
		listings = append(listings, p.toDomain())
	}
	return NewStaticListingOracle(listings...), nil
}

func (o *StaticListingOracle) Listing(_ context.Context, id domain.ListingID) (domain.Listing, error) {
	l, ok := o.listings[id]
	if !ok {
		return domain.Listing{}, fmt.Errorf("%w: %s", errors.ErrListingNotFound, id)
	}
	return l, nil
}
