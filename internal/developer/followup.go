package developer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/thongdx/aid/internal/classifier"
	"github.com/thongdx/aid/internal/store"
)

// followUpHandler is what the dispatcher holds onto; it hides the concrete
// decision payload type.
type followUpHandler interface {
	Handle(ctx context.Context, chats []store.Chat) error
}

// FollowUp resolves one pending decision across multiple replies. It starts
// uninitialized; the first Handle call sends the initiating question and
// moves it to awaiting-decision, and every later call asks the classifier
// whether the principal has decided. The onDecide callback fires exactly
// once, with nil when the initiating call already settled the question
// negatively. The owner clears its own reference inside onDecide.
type FollowUp[T any] struct {
	user           *store.User
	cls            classifier.Classifier
	chatBack       func(ctx context.Context, content string)
	initMessage    func(ctx context.Context) (classifier.PositiveResponse, error)
	decisionFormat string
	onDecide       func(ctx context.Context, decision *T) error

	started  bool
	resolved bool
}

// NewFollowUp creates a follow-up in the uninitialized state.
func NewFollowUp[T any](
	user *store.User,
	cls classifier.Classifier,
	chatBack func(ctx context.Context, content string),
	initMessage func(ctx context.Context) (classifier.PositiveResponse, error),
	decisionFormat string,
	onDecide func(ctx context.Context, decision *T) error,
) *FollowUp[T] {
	return &FollowUp[T]{
		user:           user,
		cls:            cls,
		chatBack:       chatBack,
		initMessage:    initMessage,
		decisionFormat: decisionFormat,
		onDecide:       onDecide,
	}
}

// Handle advances the follow-up against the extended chat history.
func (f *FollowUp[T]) Handle(ctx context.Context, chats []store.Chat) error {
	if f.resolved {
		return nil
	}

	if !f.started {
		f.started = true

		message, err := f.initMessage(ctx)
		if err != nil {
			return err
		}

		f.chatBack(ctx, message.Chat)

		// A negative initiating outcome means there is nothing left to
		// decide: resolve empty without ever awaiting a reply.
		if !message.Positive {
			return f.decide(ctx, nil)
		}
		return nil
	}

	decision, err := f.cls.DetermineDecision(ctx, f.user, chats, f.decisionFormat)
	if err != nil {
		return err
	}

	f.chatBack(ctx, decision.Chat)

	if !decision.Positive {
		return nil
	}

	var payload T
	if len(decision.Payload) > 0 && string(decision.Payload) != "null" {
		if err := json.Unmarshal(decision.Payload, &payload); err != nil {
			return fmt.Errorf("failed to decode decision payload: %w", err)
		}
	}
	return f.decide(ctx, &payload)
}

func (f *FollowUp[T]) decide(ctx context.Context, payload *T) error {
	if f.resolved {
		return nil
	}
	f.resolved = true
	return f.onDecide(ctx, payload)
}
