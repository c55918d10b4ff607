package webhook

import (
	"clai-chat/internal/events"
	"clai-chat/internal/logger"
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// dispatcher is the part of Dispatcher the Notifier drives
type dispatcher interface {
	Dispatch(ctx context.Context, organizationID, event string, payload map[string]any) ([]DeliveryResult, error)
}

// Notifier runs dispatches in the background, at most maxInFlight at a time.
// Callers never wait on subscriber endpoints.
type Notifier struct {
	dispatcher dispatcher
	sem        chan struct{}
	wg         sync.WaitGroup
	// bounds a whole dispatch including log writes
	deadline time.Duration
}

// NewNotifier creates a notifier over d
func NewNotifier(d dispatcher, maxInFlight int, timeout time.Duration) *Notifier {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Notifier{
		dispatcher: d,
		sem:        make(chan struct{}, maxInFlight),
		deadline:   2 * timeout,
	}
}

// Notify schedules a dispatch of e. It blocks only while maxInFlight
// dispatches are already running, or until ctx is done.
func (n *Notifier) Notify(ctx context.Context, e events.Event) {
	select {
	case n.sem <- struct{}{}:
	case <-ctx.Done():
		logger.Log.WithField("event", e.Name).Warn("Dropping webhook notification, context done")
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() { <-n.sem }()

		dctx, cancel := context.WithTimeout(context.Background(), n.deadline)
		defer cancel()

		results, err := n.dispatcher.Dispatch(dctx, e.OrganizationID, e.Name, e.Payload)
		if err != nil {
			logger.Log.WithError(err).WithFields(logrus.Fields{
				"event":           e.Name,
				"organization_id": e.OrganizationID,
			}).Error("Webhook dispatch failed")
			return
		}
		logger.Log.WithFields(logrus.Fields{
			"event":      e.Name,
			"deliveries": len(results),
		}).Debug("Webhook notification finished")
	}()
}

// Wait blocks until every scheduled dispatch has finished
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// Relay forwards every event from bus to the notifier until ctx is done
func Relay(ctx context.Context, bus events.Bus, n *Notifier) error {
	ch, err := bus.Subscribe(ctx)
	if err != nil {
		return err
	}

	logger.Log.Info("Webhook relay subscribed to event bus")
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			n.Notify(ctx, e)
		}
	}
}
