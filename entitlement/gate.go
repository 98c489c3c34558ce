// Package entitlement decides whether a transcription may run: free use up
// to a quota, unlimited use with a signed license bound to this device.
package entitlement

import (
	"context"
	"strings"
	"sync"
	"time"

	"murmur/apperr"
	"murmur/log"
)

type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

type LicenseStatus string

const (
	LicenseNone    LicenseStatus = "none"
	LicenseValid   LicenseStatus = "valid"
	LicenseInvalid LicenseStatus = "invalid"
)

// DefaultFreeQuota is the number of free transcriptions on first run.
const DefaultFreeQuota = 50

const stateKey = "entitlement"

// State is a snapshot of the entitlement counters and license status.
// Plan is pro exactly when LicenseStatus is valid.
type State struct {
	Plan          Plan          `json:"plan"`
	FreeLeft      uint          `json:"free_transcriptions_left"`
	Total         uint64        `json:"total_transcriptions_count"`
	LicenseStatus LicenseStatus `json:"license_status"`
	LicensePath   string        `json:"license_path,omitempty"`
	LastValidated time.Time     `json:"last_validated_at,omitzero"`
}

// KV is the persistence the gate needs.
type KV interface {
	Get(key string, v any) (bool, error)
	Put(key string, v any) error
}

type Options struct {
	Store     KV
	FreeQuota uint
	Verifier  *Verifier
	Checkout  *CheckoutClient
}

// Gate is the only writer of the entitlement state.
type Gate struct {
	kv       KV
	verifier *Verifier
	checkout *CheckoutClient
	now      func() time.Time

	mu sync.Mutex
	st State
}

// Open loads the persisted state, creating it with the free quota on first
// run.
func Open(opts Options) (*Gate, error) {
	g := &Gate{kv: opts.Store, verifier: opts.Verifier, checkout: opts.Checkout, now: time.Now}
	if g.verifier == nil {
		g.verifier = NewVerifier(nil, "")
	}
	found, err := g.kv.Get(stateKey, &g.st)
	if err != nil {
		return nil, err
	}
	if !found {
		g.st = State{Plan: PlanFree, FreeLeft: opts.FreeQuota, LicenseStatus: LicenseNone}
		if err := g.kv.Put(stateKey, g.st); err != nil {
			return nil, err
		}
		log.Infof("entitlement initialized: %d free transcriptions", opts.FreeQuota)
	}
	g.st = sanitize(g.st)
	return g, nil
}

func sanitize(st State) State {
	switch st.LicenseStatus {
	case LicenseNone, LicenseValid, LicenseInvalid:
	default:
		st.LicenseStatus = LicenseNone
	}
	st.LicensePath = strings.TrimSpace(st.LicensePath)
	st.Plan = planFor(st.LicenseStatus)
	return st
}

func planFor(s LicenseStatus) Plan {
	if s == LicenseValid {
		return PlanPro
	}
	return PlanFree
}

// State returns a snapshot.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st
}

// update applies fn to a copy of the state and commits it only if it
// persists.
func (g *Gate) update(fn func(*State)) (State, error) {
	next := g.st
	fn(&next)
	next.Plan = planFor(next.LicenseStatus)
	if err := g.kv.Put(stateKey, next); err != nil {
		return g.st, err
	}
	g.st = next
	return next, nil
}

// CheckQuota allows pro always and free while transcriptions are left.
func (g *Gate) CheckQuota() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.st.Plan == PlanPro || g.st.FreeLeft > 0 {
		return nil
	}
	return apperr.New(apperr.CodeFreeLimitReached)
}

// RecordUsage counts one completed transcription.
func (g *Gate) RecordUsage() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, err := g.update(func(s *State) {
		if s.Plan == PlanFree && s.FreeLeft > 0 {
			s.FreeLeft--
		}
		s.Total++
	})
	return err
}

// ImportLicense validates the license at path and switches to pro if it is
// valid. Any validation failure yields LicenseInvalid and the free plan.
func (g *Gate) ImportLicense(path string) error {
	path = strings.TrimSpace(path)
	var verr error
	if path == "" {
		verr = errEmptyPath
	} else {
		_, verr = g.verifier.VerifyFile(path)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	_, err := g.update(func(s *State) {
		s.LicensePath = path
		s.LastValidated = g.now()
		if verr == nil {
			s.LicenseStatus = LicenseValid
		} else {
			s.LicenseStatus = LicenseInvalid
		}
	})
	if err != nil {
		return err
	}
	if verr != nil {
		log.Warnf("license import %s rejected: %v", path, verr)
		return apperr.Wrap(apperr.CodeLicenseInvalid, verr)
	}
	log.Infof("license imported from %s", path)
	return nil
}

// RemoveLicense returns to the free plan. The quota is not restored.
func (g *Gate) RemoveLicense() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, err := g.update(func(s *State) {
		s.LicenseStatus = LicenseNone
		s.LicensePath = ""
		s.LastValidated = g.now()
	})
	return err
}

// Revalidate re-verifies the stored license, typically at startup.
func (g *Gate) Revalidate() State {
	g.mu.Lock()
	path := g.st.LicensePath
	g.mu.Unlock()

	status := LicenseNone
	if path != "" {
		if _, err := g.verifier.VerifyFile(path); err != nil {
			log.Warnf("stored license %s is no longer valid: %v", path, err)
			status = LicenseInvalid
		} else {
			status = LicenseValid
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	st, err := g.update(func(s *State) {
		s.LicenseStatus = status
		s.LastValidated = g.now()
	})
	if err != nil {
		log.Warnf("persist entitlement: %v", err)
	}
	return st
}

// CreateCheckoutSession opens a purchase session. It changes no local state.
func (g *Gate) CreateCheckoutSession(ctx context.Context) (Checkout, error) {
	if g.checkout == nil {
		return Checkout{}, checkoutFailed(errNoCheckout)
	}
	c, err := g.checkout.Create(ctx)
	if err != nil {
		log.Warnf("checkout: %v", err)
		return Checkout{}, err
	}
	log.Infof("checkout session %s opened", c.SessionID)
	return c, nil
}
