package mail

import (
	"context"
	"fmt"
	"html/template"
	"strings"

	"go.uber.org/zap"
)

var reminderHTMLTemplate = template.Must(template.New("reminder").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; color: #333; background: #f8fafc; padding: 24px;">
  <div style="max-width: 600px; margin: 0 auto; background: #ffffff; border-radius: 12px; padding: 32px;">
    <h1 style="color: #8b5cf6; margin-top: 0;">SoulBox</h1>
    <p>Hello,</p>
    <p>This is a gentle reminder that your SoulBox time capsule is waiting to be opened.</p>
    <div style="background: #f8fafc; border-left: 4px solid #8b5cf6; padding: 16px; margin: 24px 0;">
      <strong>&quot;{{.Title}}&quot;</strong><br>
      <span style="color: #6b7280;">is ready to unlock</span>
    </div>
    <p style="text-align: center;">
      <a href="{{.UnlockURL}}" style="background: #8b5cf6; color: #ffffff; text-decoration: none; padding: 12px 28px; border-radius: 8px;">Open Your Capsule Now</a>
    </p>
    <p><strong>Your unlock key:</strong></p>
    <p style="background: #f1f5f9; border: 1px dashed #cbd5e1; padding: 12px; font-family: monospace;">{{.EncryptKey}}</p>
    <p style="color: #6b7280; font-size: 13px;">This is an automated reminder. Do not share your unlock key with anyone. If you did not expect this capsule, you can safely ignore this email.</p>
  </div>
</body>
</html>
`))

var createdHTMLTemplate = template.Must(template.New("created").Parse(`<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; color: #333; background: #f8fafc; padding: 24px;">
  <div style="max-width: 600px; margin: 0 auto; background: #ffffff; border-radius: 12px; padding: 32px;">
    <h1 style="color: #8b5cf6; margin-top: 0;">SoulBox</h1>
    <p>Hello,</p>
    <p>A time capsule has been created for you on SoulBox.</p>
    <div style="background: #f8fafc; border-left: 4px solid #8b5cf6; padding: 16px; margin: 24px 0;">
      <strong>&quot;{{.Title}}&quot;</strong><br>
      <span style="color: #6b7280;">will unlock on {{.UnlockDisplay}}</span>
    </div>
    <p style="color: #6b7280; font-size: 13px;">&mdash; The SoulBox Team</p>
  </div>
</body>
</html>
`))

// Notifier formats and dispatches the capsule notification emails through a
// Sender. It implements the narrow notification interfaces consumed by the
// capsule service and the reminder scheduler.
type Notifier struct {
	sender  Sender
	baseURL string
	logger  *zap.Logger
}

// NewNotifier constructs a Notifier. baseURL is the public application root
// used to build unlock links.
func NewNotifier(sender Sender, baseURL string, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		sender:  sender,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		logger:  logger,
	}
}

// CapsuleCreated notifies a recipient that a capsule addressed to them exists
// and when it unlocks.
func (n *Notifier) CapsuleCreated(ctx context.Context, to, title, unlockDisplay string) error {
	var html strings.Builder
	if err := createdHTMLTemplate.Execute(&html, struct {
		Title         string
		UnlockDisplay string
	}{Title: title, UnlockDisplay: unlockDisplay}); err != nil {
		return err
	}

	text := fmt.Sprintf("A time capsule %q has been created for you on SoulBox. It will unlock on %s.\n— The SoulBox Team\n", title, unlockDisplay)
	return n.sender.Send(ctx, Message{
		To:       to,
		Subject:  "A SoulBox capsule was created for you",
		HTMLBody: html.String(),
		TextBody: text,
	})
}

// ReminderDue notifies a recipient that a capsule's unlock time has arrived,
// including the unlock link and key.
func (n *Notifier) ReminderDue(ctx context.Context, to, title, encryptKey, shareToken string) error {
	unlockURL := fmt.Sprintf("%s/unlock/%s", n.baseURL, shareToken)

	var html strings.Builder
	if err := reminderHTMLTemplate.Execute(&html, struct {
		Title      string
		EncryptKey string
		UnlockURL  string
	}{Title: title, EncryptKey: encryptKey, UnlockURL: unlockURL}); err != nil {
		return err
	}

	text := fmt.Sprintf("Your SoulBox capsule %q is ready to open.\nUnlock it at %s with key %s.\n", title, unlockURL, encryptKey)
	return n.sender.Send(ctx, Message{
		To:       to,
		Subject:  fmt.Sprintf("Reminder: your %q capsule is ready to open - SoulBox", title),
		HTMLBody: html.String(),
		TextBody: text,
	})
}
