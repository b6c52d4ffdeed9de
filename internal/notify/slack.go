package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/glyphware/grimoire/internal/engine"
	"github.com/glyphware/grimoire/pkg/schema"
)

// SlackNotifier posts delivery messages to a Slack channel. The delivery's
// target ID is the channel ID.
type SlackNotifier struct {
	api *slack.Client
}

func NewSlackNotifier(botToken string) *SlackNotifier {
	return &SlackNotifier{api: slack.New(botToken)}
}

func (n *SlackNotifier) Platform() string { return "slack" }

func (n *SlackNotifier) Deliver(ctx context.Context, d *Delivery) error {
	if d.TargetID == "" {
		return schema.NewError(schema.ErrCodeDelivery, "slack delivery has no channel")
	}

	opts := []slack.MsgOption{slack.MsgOptionText(renderText(d), false)}
	if blocks := renderBlocks(d); len(blocks) > 0 {
		opts = append(opts, slack.MsgOptionBlocks(blocks...))
	}

	_, _, err := n.api.PostMessageContext(ctx, d.TargetID, opts...)
	if err != nil {
		return schema.NewError(schema.ErrCodeDelivery, "slack post failed").WithCause(err)
	}
	return nil
}

// renderText builds the plain-text fallback for a delivery.
func renderText(d *Delivery) string {
	var b strings.Builder
	switch {
	case d.Cause != nil:
		fmt.Fprintf(&b, ":warning: Spell %s failed at step %d: %s",
			d.Cast.SpellID, d.Record.StepIndex+1, d.Cause.Error())
	case d.Kind == schema.DeliveryFinal:
		fmt.Fprintf(&b, ":sparkles: Spell %s finished", d.Cast.SpellID)
		if d.Cast.TotalCostUSD > 0 {
			fmt.Fprintf(&b, " ($%.4f)", d.Cast.TotalCostUSD)
		}
	default:
		fmt.Fprintf(&b, "Step %d of spell %s done", d.Record.StepIndex+1, d.Cast.SpellID)
	}

	for _, item := range d.Items {
		if item.Type == engine.ItemText && item.Text != "" {
			b.WriteString("\n")
			b.WriteString(item.Text)
		}
		if item.URL != "" {
			b.WriteString("\n")
			b.WriteString(item.URL)
		}
	}
	return b.String()
}

// renderBlocks builds Block Kit blocks: a section for the headline plus an
// image block per image item.
func renderBlocks(d *Delivery) []slack.Block {
	var blocks []slack.Block
	headline := renderText(d)
	if headline != "" {
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, headline, false, false), nil, nil))
	}
	for _, item := range d.Items {
		if item.Type == engine.ItemImage && item.URL != "" {
			blocks = append(blocks, slack.NewImageBlock(item.URL, "generated image", "", nil))
		}
	}
	if len(blocks) == 1 {
		return nil // text-only; the fallback suffices
	}
	return blocks
}

var _ Notifier = (*SlackNotifier)(nil)
