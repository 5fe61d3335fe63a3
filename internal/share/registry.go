package share

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/forlifetrading/filevault/internal/apperr"
	"github.com/forlifetrading/filevault/internal/events"
	"github.com/forlifetrading/filevault/internal/kv"
	"github.com/forlifetrading/filevault/internal/logging/audit"
	"github.com/forlifetrading/filevault/internal/metrics"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// Defaults.
const (
	DefaultExpiry   = 7 * 24 * time.Hour
	MaxAccessLogs   = 1000
	DefaultTokenTTL = 5 * time.Minute
)

// Options configure a Registry.
type Options struct {
	// BaseURL prefixes share URLs: "<BaseURL>/share/<id>".
	BaseURL       string
	DefaultExpiry time.Duration
	// AdminUsers receive ShareWithAdmin grants.
	AdminUsers []string
	// TokenSecret signs download tokens. Tokens are disabled when empty.
	TokenSecret []byte
	TokenTTL    time.Duration
	BcryptCost  int
	// Events receives a fileShared notification per direct share recipient.
	Events  events.Publisher
	Metrics *metrics.Metrics
	Audit   *audit.Logger
	Now     func() time.Time
}

// Registry stores link grants under "fileShares" and direct grants under
// "directShares". All mutations are serialized.
type Registry struct {
	kv            kv.Store
	baseURL       string
	defaultExpiry time.Duration
	adminUsers    []string
	tokenSecret   []byte
	tokenTTL      time.Duration
	bcryptCost    int
	events        events.Publisher
	metrics       *metrics.Metrics
	audit         *audit.Logger
	now           func() time.Time

	mu sync.Mutex
}

// NewRegistry creates a share registry.
func NewRegistry(store kv.Store, opts Options) *Registry {
	if opts.DefaultExpiry <= 0 {
		opts.DefaultExpiry = DefaultExpiry
	}
	if len(opts.AdminUsers) == 0 {
		opts.AdminUsers = []string{"admin"}
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = DefaultTokenTTL
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		kv:            store,
		baseURL:       strings.TrimSuffix(opts.BaseURL, "/"),
		defaultExpiry: opts.DefaultExpiry,
		adminUsers:    opts.AdminUsers,
		tokenSecret:   opts.TokenSecret,
		tokenTTL:      opts.TokenTTL,
		bcryptCost:    opts.BcryptCost,
		events:        opts.Events,
		metrics:       opts.Metrics,
		audit:         opts.Audit,
		now:           opts.Now,
	}
}

// ShareURL returns the public URL of a link grant.
func (r *Registry) ShareURL(shareID string) string {
	return r.baseURL + "/share/" + shareID
}

func (r *Registry) loadMap(ctx context.Context, key string) (map[string]Grant, error) {
	m := map[string]Grant{}
	if _, err := kv.Get(ctx, r.kv, key, &m); err != nil {
		return nil, apperr.IO("load "+key, err)
	}
	if m == nil {
		m = map[string]Grant{}
	}
	return m, nil
}

func (r *Registry) saveMap(ctx context.Context, key string, m map[string]Grant) error {
	return apperr.IO("save "+key, kv.Put(ctx, r.kv, key, m))
}

// lookup finds a grant by id in either map. Caller holds r.mu.
func (r *Registry) lookup(ctx context.Context, id string) (Grant, string, map[string]Grant, error) {
	for _, key := range []string{kv.FileSharesKey, kv.DirectSharesKey} {
		m, err := r.loadMap(ctx, key)
		if err != nil {
			return Grant{}, "", nil, err
		}
		if g, ok := m[id]; ok {
			return g, key, m, nil
		}
	}
	return Grant{}, "", nil, fmt.Errorf("%s: %w", id, apperr.ErrShareNotFound)
}

// CreateShareLink issues a link grant for fileID.
func (r *Registry) CreateShareLink(ctx context.Context, fileID, creator string, opts LinkOptions) (Link, error) {
	if strings.TrimSpace(fileID) == "" {
		return Link{}, fmt.Errorf("file id is required: %w", apperr.ErrInvalidInput)
	}
	if opts.MaxDownloads < 0 {
		return Link{}, fmt.Errorf("max downloads must not be negative: %w", apperr.ErrInvalidInput)
	}
	perms := opts.Permissions
	if len(perms) == 0 {
		perms = []Permission{PermView}
	}

	now := r.now().UTC()
	expires := now.Add(r.defaultExpiry)
	if opts.ExpiresAt != nil {
		expires = opts.ExpiresAt.UTC()
	}

	id, err := newShareID()
	if err != nil {
		return Link{}, apperr.IO("create share", err)
	}
	g := Grant{
		ID:           id,
		Kind:         KindLink,
		FileID:       fileID,
		FileURL:      opts.FileURL,
		FileName:     opts.FileName,
		Permissions:  perms,
		ExpiresAt:    &expires,
		MaxDownloads: opts.MaxDownloads,
		Active:       true,
		CreatedBy:    creator,
		CreatedAt:    now,
	}
	if opts.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(opts.Password), r.bcryptCost)
		if err != nil {
			return Link{}, fmt.Errorf("hash password: %w", err)
		}
		g.PasswordHash = string(hash)
		g.PasswordProtected = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.loadMap(ctx, kv.FileSharesKey)
	if err != nil {
		return Link{}, err
	}
	m[id] = g
	if err := r.saveMap(ctx, kv.FileSharesKey, m); err != nil {
		return Link{}, err
	}

	r.metrics.RecordShareCreated()
	r.audit.LogShareChange(creator, "create_link", id, fileID, "")
	log.Debug().Str("share_id", id).Str("file_id", fileID).Msg("share link created")

	return Link{ShareID: id, ShareURL: r.ShareURL(id), ExpiresAt: expires, Permissions: perms}, nil
}

// ShareWithUsers records a direct grant. Grants are additive: sharing again
// with the same users appends an independent grant.
func (r *Registry) ShareWithUsers(ctx context.Context, fileID, creator string, userIDs []string, perms []Permission) (Grant, error) {
	return r.shareWithUsers(ctx, fileID, creator, userIDs, perms, "")
}

func (r *Registry) shareWithUsers(ctx context.Context, fileID, creator string, userIDs []string, perms []Permission, message string) (Grant, error) {
	if strings.TrimSpace(fileID) == "" {
		return Grant{}, fmt.Errorf("file id is required: %w", apperr.ErrInvalidInput)
	}
	var users []string
	for _, u := range userIDs {
		if u = strings.TrimSpace(u); u != "" {
			users = append(users, u)
		}
	}
	if len(users) == 0 {
		return Grant{}, fmt.Errorf("at least one user is required: %w", apperr.ErrInvalidInput)
	}
	if len(perms) == 0 {
		perms = []Permission{PermView}
	}

	g := Grant{
		ID:          uuid.NewString(),
		Kind:        KindDirect,
		FileID:      fileID,
		Permissions: perms,
		Active:      true,
		CreatedBy:   creator,
		CreatedAt:   r.now().UTC(),
		SharedWith:  users,
		Message:     message,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	m, err := r.loadMap(ctx, kv.DirectSharesKey)
	if err != nil {
		return Grant{}, err
	}
	m[g.ID] = g
	if err := r.saveMap(ctx, kv.DirectSharesKey, m); err != nil {
		return Grant{}, err
	}

	r.audit.LogShareChange(creator, "share_with_users", g.ID, fileID, strings.Join(users, ","))
	for _, u := range users {
		r.events.Publish(events.FileShared, events.FileShare{
			UserID:      u,
			ShareID:     g.ID,
			FileID:      fileID,
			SharedBy:    creator,
			Permissions: permissionStrings(perms),
			Message:     message,
		})
	}
	return g, nil
}

func permissionStrings(perms []Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}

// ShareWithAdmin grants the administrators view and download access and
// opens a support ticket carrying message.
func (r *Registry) ShareWithAdmin(ctx context.Context, fileID, creator, message string) (Grant, SupportTicket, error) {
	g, err := r.shareWithUsers(ctx, fileID, creator, r.adminUsers, []Permission{PermView, PermDownload}, message)
	if err != nil {
		return Grant{}, SupportTicket{}, err
	}

	t := SupportTicket{
		ID:        uuid.NewString(),
		Type:      "file_share",
		FileID:    fileID,
		ShareID:   g.ID,
		Message:   message,
		CreatedBy: creator,
		CreatedAt: g.CreatedAt,
		Status:    "open",
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var tickets []SupportTicket
	if _, err := kv.Get(ctx, r.kv, kv.SupportTicketsKey, &tickets); err != nil {
		return Grant{}, SupportTicket{}, apperr.IO("load support tickets", err)
	}
	tickets = append(tickets, t)
	if err := kv.Put(ctx, r.kv, kv.SupportTicketsKey, tickets); err != nil {
		return Grant{}, SupportTicket{}, apperr.IO("save support tickets", err)
	}
	return g, t, nil
}

// SupportTickets returns all support tickets, oldest first.
func (r *Registry) SupportTickets(ctx context.Context) ([]SupportTicket, error) {
	tickets := []SupportTicket{}
	if _, err := kv.Get(ctx, r.kv, kv.SupportTicketsKey, &tickets); err != nil {
		return nil, apperr.IO("load support tickets", err)
	}
	return tickets, nil
}

// Get returns a grant by id.
func (r *Registry) Get(ctx context.Context, id string) (Grant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, _, _, err := r.lookup(ctx, id)
	return g, err
}

// ValidateAccess checks a link grant. Checks run in order (existence,
// revocation, expiry, password, download limit) and the first failure is
// reported. The error is non-nil only when the registry cannot be read.
func (r *Registry) ValidateAccess(ctx context.Context, shareID, password string) (Access, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, reason, err := r.check(ctx, shareID, func(g Grant) bool { return passwordMatches(g, password) })
	if err != nil {
		return Access{}, err
	}
	return r.access(g, shareID, "validate", "", reason), nil
}

func (r *Registry) access(g Grant, shareID, action, requester, reason string) Access {
	if reason != "" {
		r.metrics.RecordShareValidation(reason)
		r.audit.LogShareAccess(shareID, g.FileID, action, requester, audit.Denied, reason)
		return Access{Valid: false, Reason: reason}
	}
	r.metrics.RecordShareValidation("ok")
	return Access{Valid: true, Permissions: g.Permissions}
}

// check evaluates a link grant. Caller holds r.mu.
func (r *Registry) check(ctx context.Context, shareID string, passwordOK func(Grant) bool) (Grant, string, error) {
	m, err := r.loadMap(ctx, kv.FileSharesKey)
	if err != nil {
		return Grant{}, "", err
	}
	g, ok := m[shareID]
	switch {
	case !ok:
		return Grant{}, ReasonNotFound, nil
	case !g.Active:
		return g, ReasonRevoked, nil
	case g.Expired(r.now()):
		return g, ReasonExpired, nil
	case !passwordOK(g):
		return g, ReasonInvalidPassword, nil
	case g.MaxDownloads > 0 && g.DownloadCount >= g.MaxDownloads:
		return g, ReasonLimitExceeded, nil
	}
	return g, "", nil
}

func passwordMatches(g Grant, password string) bool {
	if g.PasswordHash == "" {
		return true
	}
	return bcrypt.CompareHashAndPassword([]byte(g.PasswordHash), []byte(password)) == nil
}

// TrackAccess records an access and, for downloads, increments the
// download counter.
func (r *Registry) TrackAccess(ctx context.Context, shareID string, action Action, requester string) error {
	if action != ActionView && action != ActionDownload {
		return fmt.Errorf("unknown action %q: %w", action, apperr.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	g, key, m, err := r.lookup(ctx, shareID)
	if err != nil {
		return err
	}
	return r.record(ctx, g, key, m, action, requester)
}

// record persists an access. Caller holds r.mu.
func (r *Registry) record(ctx context.Context, g Grant, key string, m map[string]Grant, action Action, requester string) error {
	if action == ActionDownload {
		g.DownloadCount++
		m[g.ID] = g
		if err := r.saveMap(ctx, key, m); err != nil {
			return err
		}
		r.metrics.RecordShareDownload()
	}

	var logs []AccessLog
	if _, err := kv.Get(ctx, r.kv, kv.ShareAccessLogsKey, &logs); err != nil {
		return apperr.IO("load access logs", err)
	}
	logs = append(logs, AccessLog{
		ShareID:   g.ID,
		FileID:    g.FileID,
		Action:    action,
		Requester: requester,
		Timestamp: r.now().UTC(),
	})
	if len(logs) > MaxAccessLogs {
		logs = logs[len(logs)-MaxAccessLogs:]
	}
	if err := kv.Put(ctx, r.kv, kv.ShareAccessLogsKey, logs); err != nil {
		return apperr.IO("save access logs", err)
	}

	r.audit.LogShareAccess(g.ID, g.FileID, string(action), requester, audit.Allowed, "")
	return nil
}

// Open validates a link and records the access in one step, so concurrent
// downloads cannot overshoot the download limit. Downloads additionally
// require the download permission.
func (r *Registry) Open(ctx context.Context, shareID, password string, action Action, requester string) (Grant, error) {
	return r.open(ctx, shareID, action, requester, func(g Grant) bool { return passwordMatches(g, password) })
}

func (r *Registry) open(ctx context.Context, shareID string, action Action, requester string, passwordOK func(Grant) bool) (Grant, error) {
	if action != ActionView && action != ActionDownload {
		return Grant{}, fmt.Errorf("unknown action %q: %w", action, apperr.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	g, reason, err := r.check(ctx, shareID, passwordOK)
	if err != nil {
		return Grant{}, err
	}
	if reason == "" && action == ActionDownload && !g.Has(PermDownload) {
		reason = ReasonNoPermission
	}
	if a := r.access(g, shareID, string(action), requester, reason); !a.Valid {
		return Grant{}, fmt.Errorf("share %s: %w", shareID, a.Err())
	}

	m, err := r.loadMap(ctx, kv.FileSharesKey)
	if err != nil {
		return Grant{}, err
	}
	if err := r.record(ctx, g, kv.FileSharesKey, m, action, requester); err != nil {
		return Grant{}, err
	}
	if action == ActionDownload {
		g.DownloadCount++
	}
	return g, nil
}

// RevokeShare deactivates a grant. Revocation is terminal. It reports false
// when no grant has that id.
func (r *Registry) RevokeShare(ctx context.Context, id, actor string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, key, m, err := r.lookup(ctx, id)
	if errors.Is(err, apperr.ErrShareNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !g.Active {
		return true, nil
	}
	now := r.now().UTC()
	g.Active = false
	g.RevokedAt = &now
	m[id] = g
	if err := r.saveMap(ctx, key, m); err != nil {
		return false, err
	}
	r.audit.LogShareChange(actor, "revoke", id, g.FileID, "")
	return true, nil
}

// UpdatePermissions replaces a grant's permission set. Revoked grants
// cannot be changed.
func (r *Registry) UpdatePermissions(ctx context.Context, id string, perms []Permission, actor string) (Grant, error) {
	if len(perms) == 0 {
		return Grant{}, fmt.Errorf("permissions are required: %w", apperr.ErrInvalidInput)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	g, key, m, err := r.lookup(ctx, id)
	if err != nil {
		return Grant{}, err
	}
	if !g.Active {
		return Grant{}, fmt.Errorf("share %s: %w", id, apperr.ErrShareRevoked)
	}
	g.Permissions = perms
	m[id] = g
	if err := r.saveMap(ctx, key, m); err != nil {
		return Grant{}, err
	}
	r.audit.LogShareChange(actor, "update_permissions", id, g.FileID, fmt.Sprint(perms))
	return g, nil
}

// Analytics aggregates the access log of a grant.
func (r *Registry) Analytics(ctx context.Context, id string) (Analytics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, _, _, err := r.lookup(ctx, id)
	if err != nil {
		return Analytics{}, err
	}
	var logs []AccessLog
	if _, err := kv.Get(ctx, r.kv, kv.ShareAccessLogsKey, &logs); err != nil {
		return Analytics{}, apperr.IO("load access logs", err)
	}

	a := Analytics{
		ShareID:       id,
		DownloadCount: g.DownloadCount,
		MaxDownloads:  g.MaxDownloads,
		Active:        g.Active,
	}
	requesters := map[string]bool{}
	for i := range logs {
		l := logs[i]
		if l.ShareID != id {
			continue
		}
		switch l.Action {
		case ActionView:
			a.TotalViews++
		case ActionDownload:
			a.TotalDownloads++
		}
		requesters[l.Requester] = true
		if a.LastAccessed == nil || l.Timestamp.After(*a.LastAccessed) {
			ts := l.Timestamp
			a.LastAccessed = &ts
		}
	}
	a.UniqueRequesters = len(requesters)
	return a, nil
}

// AccessLogs returns the recorded accesses of one grant, oldest first.
func (r *Registry) AccessLogs(ctx context.Context, id string) ([]AccessLog, error) {
	var logs []AccessLog
	if _, err := kv.Get(ctx, r.kv, kv.ShareAccessLogsKey, &logs); err != nil {
		return nil, apperr.IO("load access logs", err)
	}
	out := []AccessLog{}
	for _, l := range logs {
		if l.ShareID == id {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *Registry) all(ctx context.Context) ([]Grant, error) {
	var out []Grant
	for _, key := range []string{kv.FileSharesKey, kv.DirectSharesKey} {
		m, err := r.loadMap(ctx, key)
		if err != nil {
			return nil, err
		}
		for _, g := range m {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *Registry) filter(ctx context.Context, keep func(Grant) bool) ([]Grant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	all, err := r.all(ctx)
	if err != nil {
		return nil, err
	}
	out := []Grant{}
	for _, g := range all {
		if keep(g) {
			out = append(out, g)
		}
	}
	return out, nil
}

// UserShares returns grants created by userID, oldest first.
func (r *Registry) UserShares(ctx context.Context, userID string) ([]Grant, error) {
	return r.filter(ctx, func(g Grant) bool { return g.CreatedBy == userID })
}

// FileShares returns all grants for fileID.
func (r *Registry) FileShares(ctx context.Context, fileID string) ([]Grant, error) {
	return r.filter(ctx, func(g Grant) bool { return g.FileID == fileID })
}

// SharedWith returns active, unexpired direct grants naming userID.
func (r *Registry) SharedWith(ctx context.Context, userID string) ([]Grant, error) {
	now := r.now()
	return r.filter(ctx, func(g Grant) bool {
		if g.Kind != KindDirect || !g.Active || g.Expired(now) {
			return false
		}
		for _, u := range g.SharedWith {
			if u == userID {
				return true
			}
		}
		return false
	})
}

// CheckUserAccess reports whether any active direct grant gives userID
// permission p on fileID.
func (r *Registry) CheckUserAccess(ctx context.Context, fileID, userID string, p Permission) (bool, error) {
	grants, err := r.SharedWith(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, g := range grants {
		if g.FileID == fileID && g.Has(p) {
			return true, nil
		}
	}
	return false, nil
}

// Cleanup physically removes grants that were revoked or expired more than
// horizon ago. It returns the number removed.
func (r *Registry) Cleanup(ctx context.Context, horizon time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-horizon)
	removed := 0
	for _, key := range []string{kv.FileSharesKey, kv.DirectSharesKey} {
		m, err := r.loadMap(ctx, key)
		if err != nil {
			return removed, err
		}
		n := 0
		for id, g := range m {
			stale := (g.RevokedAt != nil && g.RevokedAt.Before(cutoff)) ||
				(g.ExpiresAt != nil && g.ExpiresAt.Before(cutoff))
			if stale {
				delete(m, id)
				n++
			}
		}
		if n == 0 {
			continue
		}
		if err := r.saveMap(ctx, key, m); err != nil {
			return removed, err
		}
		removed += n
	}
	if removed > 0 {
		r.audit.LogShareChange("system", "cleanup", "", "", fmt.Sprintf("%d grants removed", removed))
		log.Info().Int("removed", removed).Msg("cleaned up stale shares")
	}
	return removed, nil
}
