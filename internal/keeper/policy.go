package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vaultkeeper/internal/chain"
	"vaultkeeper/internal/notify"
	"vaultkeeper/internal/registry"
)

// evaluateWarning decides whether the owner gets a warning this tick and
// sends it. The cooldown timestamp is advanced only after the relay confirms
// delivery; a failed send leaves it untouched so the next tick retries.
// Duplicate sends are possible only if the process dies between delivery and
// the UpdateLastNotified write.
func (k *Keeper) evaluateWarning(ctx context.Context, rec registry.EscrowRecord, contract Contract) (bool, error) {
	if rec.Email == "" {
		return false, nil
	}

	status, err := contract.Status(ctx)
	if err != nil {
		if isExpectedCondition(err) {
			return false, nil
		}
		return false, fmt.Errorf("read status: %w", err)
	}
	if status != chain.StatusActive {
		return false, nil
	}

	remaining, err := contract.TimeUntilExecution(ctx)
	if err != nil {
		if errors.Is(err, chain.ErrNotScheduled) || isExpectedCondition(err) {
			return false, nil
		}
		return false, fmt.Errorf("read countdown: %w", err)
	}

	// Past-due (T == 0) is the inspector's problem, not a warning.
	if remaining <= 0 || remaining > k.cfg.WarnWindow {
		return false, nil
	}

	now := k.now()
	if rec.LastEmailSent != nil && now.Sub(*rec.LastEmailSent) <= k.cfg.ResendCooldown {
		return false, nil
	}

	if err := k.sender.Send(ctx, warningMessage(rec, remaining)); err != nil {
		k.metrics.incWarning("failed")
		return false, fmt.Errorf("send warning: %w", err)
	}
	k.metrics.incWarning("sent")

	if err := k.store.UpdateLastNotified(ctx, rec.EscrowAddress, rec.Network, now); err != nil {
		// The mail went out; losing the timestamp only risks one extra
		// warning after the next tick.
		return true, fmt.Errorf("record warning time: %w", err)
	}
	return true, nil
}

func warningMessage(rec registry.EscrowRecord, remaining time.Duration) notify.Message {
	days := int(remaining.Hours() / 24)
	human := fmt.Sprintf("%d day(s)", days)
	if days == 0 {
		human = fmt.Sprintf("%d hour(s)", int(remaining.Hours()))
	}

	subject := fmt.Sprintf("Your escrow on %s executes in %s", rec.Network, human)
	text := fmt.Sprintf(
		"The inactivity period of your escrow %s on %s is almost over.\n\n"+
			"Unless your wallet shows activity, the escrowed funds will be "+
			"released to your beneficiaries in approximately %s.\n\n"+
			"Any transaction from your wallet resets the countdown.",
		rec.EscrowAddress, rec.Network, human)
	html := fmt.Sprintf(
		"<p>The inactivity period of your escrow <code>%s</code> on <b>%s</b> is almost over.</p>"+
			"<p>Unless your wallet shows activity, the escrowed funds will be "+
			"released to your beneficiaries in approximately <b>%s</b>.</p>"+
			"<p>Any transaction from your wallet resets the countdown.</p>",
		rec.EscrowAddress, rec.Network, human)

	return notify.Message{
		To:      rec.Email,
		Subject: subject,
		Text:    text,
		HTML:    html,
	}
}
