// Package router consumes decoded bus events, resolves the affected users through the mapping store, and enqueues
// the corresponding outbound frames onto those users' connections in the registry. Control-plane channels
// (notify_config, notify_signal, notify_query) are dispatched from the same switch to internal/controlplane, and
// notify_pre_auth registers a token rather than producing any outbound frame.
package router

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/collabhub/pushgate/internal/bus"
	"github.com/collabhub/pushgate/internal/controlplane"
	"github.com/collabhub/pushgate/internal/mapping"
	"github.com/collabhub/pushgate/internal/metrics"
	"github.com/collabhub/pushgate/internal/preauth"
	"github.com/collabhub/pushgate/internal/registry"
	"github.com/collabhub/pushgate/internal/wire"
)

// CookieRecorder receives the latest notify_test_cookie value, for the /test/cookie self-test endpoint. Kept as a
// narrow interface so the router does not need to import the diagnostics package.
type CookieRecorder interface {
	SetTestCookie(int64)
}

// Router drains a bus.Subscriber's Events channel and fans each one out to the registry, the mapping cache, the
// pre-auth store, or the control plane, depending on its kind.
type Router struct {
	reg     *registry.Registry
	mapper  *mapping.Cache
	preauth *preauth.Store
	control *controlplane.ControlPlane
	metrics *metrics.Metrics
	cookies CookieRecorder
	log     zerolog.Logger

	batcher *fileIDBatcher
}

// New builds a Router. cookies may be nil if the diagnostics cookie endpoint is not in use.
func New(reg *registry.Registry, mapper *mapping.Cache, preauthStore *preauth.Store, control *controlplane.ControlPlane, m *metrics.Metrics, cookies CookieRecorder, log zerolog.Logger) *Router {
	r := &Router{
		reg:     reg,
		mapper:  mapper,
		preauth: preauthStore,
		control: control,
		metrics: m,
		cookies: cookies,
		log:     log.With().Str("component", "router").Logger(),
	}
	r.batcher = newFileIDBatcher(50*time.Millisecond, r.flushFileIDs)
	return r
}

// Run processes events until events is closed or ctx is cancelled.
func (r *Router) Run(ctx context.Context, events <-chan bus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.handle(ctx, ev)
		}
	}
}

func (r *Router) handle(ctx context.Context, ev bus.Event) {
	if r.metrics != nil {
		r.metrics.EventsReceived.Inc()
	}

	switch {
	case ev.StorageUpdate != nil:
		r.handleStorageUpdate(ctx, ev.StorageUpdate)
	case ev.GroupMembershipUpdate != nil:
		r.handleGroupMembershipUpdate(ev.GroupMembershipUpdate)
	case ev.UserShareCreated != nil:
		r.notifyUser(ev.UserShareCreated.User, wire.NewNotifyFileFrame(), wire.TypeNotifyFile)
	case ev.Activity != nil:
		r.notifyUser(ev.Activity.User, wire.NewNotifyActivityFrame(), wire.TypeNotifyActivity)
	case ev.Notification != nil:
		r.notifyUser(ev.Notification.User, wire.NewNotifyNotificationFrame(), wire.TypeNotifyNotification)
	case ev.Custom != nil:
		r.handleCustom(ev.Custom)
	case ev.PreAuth != nil:
		r.handlePreAuth(ctx, ev.PreAuth)
	case ev.TestCookie != nil:
		if r.cookies != nil {
			r.cookies.SetTestCookie(*ev.TestCookie)
		}
	case ev.Config != nil:
		r.handleConfig(ev.Config)
	case ev.Signal != nil:
		r.handleSignal(*ev.Signal)
	case ev.Query != nil:
		r.control.HandleQuery(ctx, *ev.Query)
	default:
		r.log.Warn().Str("channel", ev.Channel).Msg("event carried no recognized payload")
	}
}

// handleStorageUpdate resolves the users with a mount ancestor of path within storage, sends each of their
// connections a notify_file frame, and — for connections that opted into the file-id capability — accumulates
// file_id into that connection's coalescing batch instead of sending notify_file_id immediately.
func (r *Router) handleStorageUpdate(ctx context.Context, ev *bus.StorageUpdate) {
	storageID := strconv.FormatInt(ev.Storage, 10)
	users := r.mapper.UsersForPath(ctx, storageID, ev.Path)

	for user := range users {
		for _, h := range r.reg.ConnectionsFor(user) {
			h.Send(wire.NewNotifyFileFrame())
			r.countSent(wire.TypeNotifyFile)

			if notifier, ok := h.(interface{ NotifyFileIDEnabled() bool }); ok && notifier.NotifyFileIDEnabled() {
				r.batcher.add(h, ev.FileID)
			}
		}
	}
}

// handleGroupMembershipUpdate invalidates the now-stale cache entries and notifies only the directly affected
// user. Whether other members of resources shared via this group should also be notified is an explicit open
// question the specification leaves unresolved; this implementation preserves the documented minimum contract.
func (r *Router) handleGroupMembershipUpdate(ev *bus.GroupMembershipUpdate) {
	r.mapper.HandleGroupMembershipUpdate(ev.User, ev.Group)
	r.notifyUser(ev.User, wire.NewNotifyFileFrame(), wire.TypeNotifyFile)
}

func (r *Router) handleCustom(ev *bus.CustomEvent) {
	frame, err := wire.NewCustomFrame(ev.Message, ev.Body)
	if err != nil {
		r.log.Error().Err(err).Str("user", ev.User).Msg("encode custom frame")
		return
	}
	r.notifyUser(ev.User, frame, "custom")
}

func (r *Router) handlePreAuth(ctx context.Context, ev *bus.PreAuth) {
	if err := r.preauth.Register(ctx, ev.User, ev.Token, preauth.DefaultTTL); err != nil {
		r.log.Error().Err(err).Str("user", ev.User).Msg("register pre-auth token")
	}
}

func (r *Router) handleConfig(ev *bus.ConfigMessage) {
	if ev.Restore {
		r.control.HandleLogRestore()
		return
	}
	r.control.HandleLogSpec(ev.LogSpec)
}

func (r *Router) handleSignal(signal string) {
	if signal == "reset" {
		r.control.HandleReset()
	}
}

// notifyUser sends frame to every connection currently registered for user and counts it under kind.
func (r *Router) notifyUser(user string, frame []byte, kind string) {
	for _, h := range r.reg.ConnectionsFor(user) {
		h.Send(frame)
		r.countSent(kind)
	}
}

func (r *Router) flushFileIDs(h registry.Handle, ids []int64) {
	frame, err := wire.NewNotifyFileIDFrame(ids)
	if err != nil {
		r.log.Error().Err(err).Msg("encode notify_file_id frame")
		return
	}
	h.Send(frame)
	r.countSent(wire.TypeNotifyFileID)
}

func (r *Router) countSent(kind string) {
	if r.metrics == nil {
		return
	}
	r.metrics.MessagesSent.Inc()
	switch kind {
	case wire.TypeNotifyFile, wire.TypeNotifyFileID:
		r.metrics.MessagesSentFile.Inc()
	case wire.TypeNotifyActivity:
		r.metrics.MessagesSentActivity.Inc()
	case wire.TypeNotifyNotification:
		r.metrics.MessagesSentNotification.Inc()
	default:
		r.metrics.MessagesSentCustom.Inc()
	}
}
