package referrald

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"cgdao/native/referral"
	"cgdao/observability"
	"cgdao/observability/logging"
)

// maxChainWalk bounds the upstream walk used for cycle detection.
const maxChainWalk = 64

// TrackerStore is the persistence surface of the click tracker.
type TrackerStore interface {
	Code(ctx context.Context, code string) (*referral.Code, error)
	CodeByOwner(ctx context.Context, owner string) (*referral.Code, error)
	InsertCode(ctx context.Context, code referral.Code) (referral.InsertResult[referral.Code], error)
	Edge(ctx context.Context, newUser string) (*referral.Edge, error)
	InsertEdge(ctx context.Context, edge referral.Edge) (referral.InsertResult[referral.Edge], error)
	InsertClick(ctx context.Context, click referral.Click) error
	LatestUnconvertedClick(ctx context.Context, ipHash, code string, since time.Time) (*referral.Click, error)
	MarkClickConverted(ctx context.Context, id, wallet string, at time.Time) (bool, error)
}

// TrackerOptions configures a Tracker.
type TrackerOptions struct {
	CodePrefix   string
	CookieWindow time.Duration
	Hasher       *IPHasher
	Metrics      *observability.TrackingMetrics
	Logger       *slog.Logger
	Clock        func() time.Time
}

// ClickInput is one inbound referral link visit as seen by the HTTP layer.
type ClickInput struct {
	Code        string
	IP          string
	UserAgent   string
	Referer     string
	LandingPage string
	Source      string
	Medium      string
	Campaign    string
}

// ClickReceipt identifies a stored click.
type ClickReceipt struct {
	ClickID string `json:"clickId"`
	Code    string `json:"code"`
	IPHash  string `json:"-"`
}

// Attribution carries optional marketing context for a new referral edge.
// When IPHash is set, the newest matching click inside the cookie window fills
// any empty field.
type Attribution struct {
	IPHash   string
	Source   string
	Campaign string
}

// Tracker records referral clicks and registers referral edges.
type Tracker struct {
	store        TrackerStore
	prefix       string
	cookieWindow time.Duration
	hasher       *IPHasher
	metrics      *observability.TrackingMetrics
	logger       *slog.Logger
	now          func() time.Time
}

// NewTracker constructs a tracker. A nil hasher uses an empty salt, which is
// only suitable for tests.
func NewTracker(store TrackerStore, opts TrackerOptions) *Tracker {
	t := &Tracker{
		store:        store,
		prefix:       opts.CodePrefix,
		cookieWindow: opts.CookieWindow,
		hasher:       opts.Hasher,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		now:          opts.Clock,
	}
	if t.prefix == "" {
		t.prefix = referral.DefaultCodePrefix
	}
	if t.cookieWindow <= 0 {
		t.cookieWindow = 30 * 24 * time.Hour
	}
	if t.hasher == nil {
		t.hasher = NewIPHasher("")
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	t.logger = t.logger.With("component", "tracker")
	if t.now == nil {
		t.now = time.Now
	}
	return t
}

// CookieWindow is how long a click stays eligible for attribution.
func (t *Tracker) CookieWindow() time.Duration { return t.cookieWindow }

// HashIP returns the salted hash stored in place of a client address.
func (t *Tracker) HashIP(ip string) string { return t.hasher.Hash(ip) }

// TrackClick stores a click for an active referral code.
func (t *Tracker) TrackClick(ctx context.Context, in ClickInput) (ClickReceipt, error) {
	code, err := referral.NormalizeCode(in.Code, t.prefix)
	if err != nil {
		return ClickReceipt{}, err
	}
	if _, err := t.activeCode(ctx, code); err != nil {
		return ClickReceipt{}, err
	}
	info := ClassifyUserAgent(in.UserAgent)
	click := referral.Click{
		ID:          uuid.NewString(),
		Code:        code,
		IPHash:      t.hasher.Hash(in.IP),
		UserAgent:   clip(in.UserAgent, 512),
		Device:      info.Device,
		Browser:     info.Browser,
		OS:          info.OS,
		Source:      clip(in.Source, 128),
		Medium:      clip(in.Medium, 128),
		Campaign:    clip(in.Campaign, 128),
		Referer:     clip(in.Referer, 1024),
		LandingPage: clip(in.LandingPage, 1024),
		CreatedAt:   t.now(),
	}
	if err := t.store.InsertClick(ctx, click); err != nil {
		return ClickReceipt{}, err
	}
	t.metrics.RecordClick(info.Device)
	t.logger.Debug("referral click tracked",
		"code", code,
		"click_id", click.ID,
		"device", info.Device,
		logging.MaskField("ip", in.IP),
		logging.MaskField("user_agent", in.UserAgent))
	return ClickReceipt{ClickID: click.ID, Code: code, IPHash: click.IPHash}, nil
}

// RegisterReferral links wallet to the owner of code. The first referral of a
// wallet wins: when an edge already exists nothing is written and nil is
// returned without error.
func (t *Tracker) RegisterReferral(ctx context.Context, rawWallet, rawCode string, attr Attribution) (*referral.Edge, error) {
	addr, err := referral.NormalizeAddress(rawWallet)
	if err != nil {
		return nil, err
	}
	code, err := referral.NormalizeCode(rawCode, t.prefix)
	if err != nil {
		return nil, err
	}
	if _, err := t.store.Edge(ctx, addr); err == nil {
		return nil, nil
	} else if !errors.Is(err, referral.ErrNotFound) {
		return nil, err
	}
	owner, err := t.activeCode(ctx, code)
	if err != nil {
		return nil, err
	}
	referrer := owner.Owner
	if referrer == addr {
		return nil, referral.ErrSelfReferral
	}
	level, err := t.levelFor(ctx, addr, referrer)
	if err != nil {
		return nil, err
	}

	edge := referral.Edge{
		NewUser:   addr,
		Referrer:  referrer,
		Level:     level,
		Code:      code,
		Source:    strings.TrimSpace(attr.Source),
		Campaign:  strings.TrimSpace(attr.Campaign),
		CreatedAt: t.now(),
	}
	if attr.IPHash != "" && (edge.Source == "" || edge.Campaign == "") {
		click, err := t.store.LatestUnconvertedClick(ctx, attr.IPHash, code, t.now().Add(-t.cookieWindow))
		switch {
		case err == nil:
			if edge.Source == "" {
				edge.Source = click.Source
			}
			if edge.Campaign == "" {
				edge.Campaign = click.Campaign
			}
		case !errors.Is(err, referral.ErrNotFound):
			t.logger.Warn("click lookup for attribution failed", "error", err)
		}
	}
	if edge.Source == "" {
		edge.Source = "direct"
	}

	res, err := t.store.InsertEdge(ctx, edge)
	if err != nil {
		return nil, err
	}
	if res.Status == referral.AlreadyExists {
		return nil, nil
	}
	t.metrics.RecordReferral(res.Record.Level)
	t.logger.Info("referral registered", "wallet", addr, "referrer", referrer, "code", code, "level", res.Record.Level)
	return &res.Record, nil
}

// levelFor derives the level of a new edge under referrer and rejects edges
// that would close a loop back to wallet.
func (t *Tracker) levelFor(ctx context.Context, wallet, referrer string) (int, error) {
	level := 1
	seen := map[string]struct{}{referrer: {}}
	cursor := referrer
	for i := 0; i < maxChainWalk; i++ {
		up, err := t.store.Edge(ctx, cursor)
		if errors.Is(err, referral.ErrNotFound) {
			break
		}
		if err != nil {
			return 0, err
		}
		if i == 0 {
			level = min(up.Level+1, referral.MaxLevels)
		}
		if up.Referrer == wallet {
			return 0, referral.ErrReferralCycle
		}
		if _, dup := seen[up.Referrer]; dup {
			break
		}
		seen[up.Referrer] = struct{}{}
		cursor = up.Referrer
	}
	return level, nil
}

// MarkClickConverted attributes the newest unconverted click of ipHash on
// code inside the cookie window to wallet. Finding no click is not an error.
func (t *Tracker) MarkClickConverted(ctx context.Context, ipHash, rawCode, rawWallet string) error {
	addr, err := referral.NormalizeAddress(rawWallet)
	if err != nil {
		return err
	}
	code, err := referral.NormalizeCode(rawCode, t.prefix)
	if err != nil {
		return err
	}
	if ipHash == "" {
		t.metrics.RecordConversion("unmatched")
		return nil
	}
	now := t.now()
	click, err := t.store.LatestUnconvertedClick(ctx, ipHash, code, now.Add(-t.cookieWindow))
	if errors.Is(err, referral.ErrNotFound) {
		t.metrics.RecordConversion("unmatched")
		return nil
	}
	if err != nil {
		return err
	}
	converted, err := t.store.MarkClickConverted(ctx, click.ID, addr, now)
	if err != nil {
		return err
	}
	if !converted {
		t.metrics.RecordConversion("unmatched")
		return nil
	}
	t.metrics.RecordConversion("matched")
	t.logger.Info("referral click converted", "wallet", addr, "code", code, "click_id", click.ID, logging.Truncated("ip_hash", ipHash, 12))
	return nil
}

// IssueCode returns the wallet's referral code, creating one on first use.
func (t *Tracker) IssueCode(ctx context.Context, owner string) (*referral.Code, error) {
	addr, err := referral.NormalizeAddress(owner)
	if err != nil {
		return nil, err
	}
	if existing, err := t.store.CodeByOwner(ctx, addr); err == nil {
		return existing, nil
	} else if !errors.Is(err, referral.ErrNotFound) {
		return nil, err
	}
	for attempt := 0; attempt < 5; attempt++ {
		code, err := referral.GenerateCode(t.prefix)
		if err != nil {
			return nil, err
		}
		res, err := t.store.InsertCode(ctx, referral.Code{Code: code, Owner: addr, Active: true, CreatedAt: t.now()})
		if err != nil {
			return nil, err
		}
		if res.Record.Owner == addr {
			if res.Status == referral.Inserted {
				t.logger.Info("referral code issued", "wallet", addr, "code", res.Record.Code)
			}
			return &res.Record, nil
		}
	}
	return nil, fmt.Errorf("referrald: could not allocate a unique referral code")
}

// CodeFor returns the code owned by wallet.
func (t *Tracker) CodeFor(ctx context.Context, owner string) (*referral.Code, error) {
	addr, err := referral.NormalizeAddress(owner)
	if err != nil {
		return nil, err
	}
	return t.store.CodeByOwner(ctx, addr)
}

func (t *Tracker) activeCode(ctx context.Context, code string) (*referral.Code, error) {
	rec, err := t.store.Code(ctx, code)
	if errors.Is(err, referral.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", referral.ErrCodeNotFound, code)
	}
	if err != nil {
		return nil, err
	}
	if !rec.Active {
		return nil, fmt.Errorf("%w: %s is inactive", referral.ErrCodeNotFound, code)
	}
	return rec, nil
}

func clip(value string, n int) string {
	value = strings.TrimSpace(value)
	if len(value) <= n {
		return value
	}
	return value[:n]
}
