package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Probe checks reachability of a primary URL, then a fallback one.
type Probe struct {
	urls []string
	http *http.Client
}

func NewProbe(client *http.Client, urls ...string) *Probe {
	if client == nil {
		client = http.DefaultClient
	}
	var nonEmpty []string
	for _, u := range urls {
		if u != "" {
			nonEmpty = append(nonEmpty, u)
		}
	}
	return &Probe{urls: nonEmpty, http: client}
}

func (p *Probe) Probe(ctx context.Context) error {
	var errs []error
	for _, u := range p.urls {
		err := p.check(ctx, u)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *Probe) check(ctx context.Context, u string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%s: http %d", u, resp.StatusCode)
	}
	return nil
}
