// Package correlate resolves provider-issued external ids (envelopes,
// checkouts) to internal agreements. Webhook payloads carry no internal keys,
// so resolution tries progressively wider strategies and gives up quietly:
// an unresolvable event is acked and logged, never retried.
package correlate

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"taxline/internal/domain"
	"taxline/internal/metadata"
	"taxline/internal/repo"
)

type Correlator struct {
	Repo repo.Repo
	Log  zerolog.Logger
}

// Resolve finds the agreement for an external id. Strategies, in order:
//
//  1. the external-id index written at issuance time, then the structured
//     envelope column
//  2. when the event names a client, that client's agreements scanned for
//     the id in their legacy metadata blocks
//  3. every agreement scanned the same way (legacy rows that predate both
//     the index and the client id on the event)
//
// Returns nil with no error when nothing matches.
func (c Correlator) Resolve(ctx context.Context, externalID, clientID string) (*domain.Agreement, error) {
	if externalID == "" {
		return nil, nil
	}

	a, err := c.Repo.AgreementByExternalRef(ctx, externalID)
	if err == nil {
		return &a, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	a, err = c.Repo.AgreementByEnvelope(ctx, externalID)
	if err == nil {
		return &a, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	if clientID != "" {
		found, err := c.scan(ctx, repo.AgreementFilters{ClientID: clientID}, externalID)
		if err != nil {
			return nil, err
		}
		if found != nil {
			return found, nil
		}
	}

	found, err := c.scan(ctx, repo.AgreementFilters{}, externalID)
	if err != nil {
		return nil, err
	}
	if found == nil {
		c.Log.Warn().Str("external_id", externalID).Str("client_id", clientID).
			Msg("no agreement matches external id")
	}
	return found, nil
}

func (c Correlator) scan(ctx context.Context, f repo.AgreementFilters, externalID string) (*domain.Agreement, error) {
	agreements, err := c.Repo.ListAgreements(ctx, f)
	if err != nil {
		return nil, err
	}
	for i := range agreements {
		if carriesExternalID(agreements[i], externalID) {
			return &agreements[i], nil
		}
	}
	return nil, nil
}

// carriesExternalID checks the structured column first, then the legacy
// signature metadata block. Malformed blocks read as absent.
func carriesExternalID(a domain.Agreement, externalID string) bool {
	if a.EnvelopeID != nil && *a.EnvelopeID == externalID {
		return true
	}
	meta := metadata.DecodeSignature(a.Description)
	if meta == nil {
		return false
	}
	return meta.EnvelopeID == externalID || meta.CheckoutID == externalID
}
