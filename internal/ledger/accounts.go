package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"recap/internal/services"
)

// Account is the per-owner subscription state for the current billing period.
type Account struct {
	OwnerID                  string
	SubscriptionMinutesLimit float64
	SubscriptionMinutesUsed  float64
	BillingPeriod            string
}

// TopUp is a purchased block of minutes consumed oldest-first after
// subscription minutes run out.
type TopUp struct {
	ID                int64
	ExternalReference string
	PurchasedMinutes  float64
	RemainingMinutes  float64
	CreatedAt         time.Time
}

// Summary is the owner-facing view of quota state.
type Summary struct {
	OwnerID                  string    `json:"owner_id"`
	BillingPeriod            string    `json:"billing_period"`
	SubscriptionMinutesLimit float64   `json:"subscription_minutes_limit"`
	SubscriptionMinutesUsed  float64   `json:"subscription_minutes_used"`
	TopUpMinutesRemaining    float64   `json:"topup_minutes_remaining"`
	AvailableMinutes         float64   `json:"available_minutes"`
	ReservedMinutes          float64   `json:"reserved_minutes"`
	ActiveReservations       int       `json:"active_reservations"`
	TopUps                   []TopUp   `json:"topups,omitempty"`
	AsOf                     time.Time `json:"as_of"`
}

// SetPlan sets the owner's subscription minute allowance for the current
// billing period, creating the account if needed. Used minutes are preserved
// so mid-period plan changes do not grant a fresh allowance.
func (l *Ledger) SetPlan(ctx context.Context, ownerID string, minutesLimit float64) error {
	if ownerID == "" {
		return errors.New("owner id is required")
	}
	if minutesLimit < 0 {
		return errors.New("minutes limit must be non-negative")
	}
	now := time.Now().UTC()
	return l.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := loadAccount(ctx, tx, ownerID, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(
			ctx,
			"UPDATE quota_accounts SET subscription_minutes_limit = ?, updated_at = ? WHERE owner_id = ?",
			minutesLimit,
			now.Format(time.RFC3339Nano),
			ownerID,
		)
		if err != nil {
			return fmt.Errorf("set plan: %w", err)
		}
		return nil
	})
}

// Reserve checks that the owner can afford the estimate and records a hold.
// Idempotent per job: a repeat call for the same job returns the existing
// reservation id without re-checking quota.
func (l *Ledger) Reserve(ctx context.Context, ownerID, jobID string, estimateMinutes float64) (string, error) {
	if ownerID == "" || jobID == "" {
		return "", errors.New("owner id and job id are required")
	}
	if estimateMinutes < 0 {
		return "", errors.New("estimate must be non-negative")
	}
	reservationID := ReservationID(jobID)
	now := time.Now().UTC()

	err := l.inTx(ctx, func(tx *sql.Tx) error {
		var existing string
		row := tx.QueryRowContext(ctx, "SELECT id FROM reservations WHERE id = ?", reservationID)
		if err := row.Scan(&existing); err == nil {
			return nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check reservation: %w", err)
		}

		account, err := loadAccount(ctx, tx, ownerID, now)
		if err != nil {
			return err
		}
		topupRemaining, err := sumTopUps(ctx, tx, ownerID)
		if err != nil {
			return err
		}
		available := account.SubscriptionMinutesLimit - account.SubscriptionMinutesUsed + topupRemaining
		if available < estimateMinutes {
			return services.Wrap(
				services.ErrQuotaExceeded,
				"reserving",
				"reserve",
				fmt.Sprintf("%.1f minutes needed, %.1f available", estimateMinutes, available),
				nil,
			)
		}

		_, err = tx.ExecContext(
			ctx,
			"INSERT INTO reservations (id, owner_id, job_id, estimate_minutes, created_at) VALUES (?, ?, ?, ?, ?)",
			reservationID,
			ownerID,
			jobID,
			estimateMinutes,
			now.Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("insert reservation: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return reservationID, nil
}

// Commit bills actual minutes against the reservation's owner and writes the
// usage record, all in one transaction. Idempotent by (jobID, billingPeriod):
// a retry that finds the usage record already present deducts nothing and
// returns success. Subscription minutes are consumed first, then top-up
// credits oldest-first.
func (l *Ledger) Commit(ctx context.Context, reservationID string, actualMinutes float64, jobID, billingPeriod string) error {
	if jobID == "" || billingPeriod == "" {
		return errors.New("job id and billing period are required")
	}
	if actualMinutes < 0 {
		return errors.New("actual minutes must be non-negative")
	}
	now := time.Now().UTC()

	return l.inTx(ctx, func(tx *sql.Tx) error {
		var count int
		row := tx.QueryRowContext(
			ctx,
			"SELECT COUNT(1) FROM usage_records WHERE job_id = ? AND billing_period = ?",
			jobID,
			billingPeriod,
		)
		if err := row.Scan(&count); err != nil {
			return fmt.Errorf("check usage record: %w", err)
		}
		if count > 0 {
			// Already billed; a retry just clears the hold.
			return deleteReservation(ctx, tx, reservationID)
		}

		ownerID, err := reservationOwner(ctx, tx, reservationID)
		if err != nil {
			return err
		}
		account, err := loadAccount(ctx, tx, ownerID, now)
		if err != nil {
			return err
		}

		fromSubscription := account.SubscriptionMinutesLimit - account.SubscriptionMinutesUsed
		if fromSubscription > actualMinutes {
			fromSubscription = actualMinutes
		}
		if fromSubscription < 0 {
			fromSubscription = 0
		}
		if fromSubscription > 0 {
			if _, err := tx.ExecContext(
				ctx,
				"UPDATE quota_accounts SET subscription_minutes_used = subscription_minutes_used + ?, updated_at = ? WHERE owner_id = ?",
				fromSubscription,
				now.Format(time.RFC3339Nano),
				ownerID,
			); err != nil {
				return fmt.Errorf("deduct subscription minutes: %w", err)
			}
		}

		if remainder := actualMinutes - fromSubscription; remainder > 0 {
			if err := drainTopUps(ctx, tx, ownerID, remainder); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(
			ctx,
			"INSERT INTO usage_records (job_id, owner_id, billing_period, minutes_billed, created_at) VALUES (?, ?, ?, ?, ?)",
			jobID,
			ownerID,
			billingPeriod,
			actualMinutes,
			now.Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("insert usage record: %w", err)
		}

		return deleteReservation(ctx, tx, reservationID)
	})
}

// Release drops a reservation without billing. Releasing an unknown
// reservation is a no-op so failure paths can call it unconditionally.
func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	if reservationID == "" {
		return nil
	}
	return l.inTx(ctx, func(tx *sql.Tx) error {
		return deleteReservation(ctx, tx, reservationID)
	})
}

// RecordTopUp adds purchased minutes for an owner, idempotent by the payment
// processor's external reference.
func (l *Ledger) RecordTopUp(ctx context.Context, ownerID string, minutes float64, externalReference string) error {
	if ownerID == "" || externalReference == "" {
		return errors.New("owner id and external reference are required")
	}
	if minutes <= 0 {
		return errors.New("top-up minutes must be positive")
	}
	now := time.Now().UTC()
	return l.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := loadAccount(ctx, tx, ownerID, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(
			ctx,
			`INSERT INTO topup_credits (owner_id, external_reference, purchased_minutes, remaining_minutes, created_at)
             VALUES (?, ?, ?, ?, ?)
             ON CONFLICT(external_reference) DO NOTHING`,
			ownerID,
			externalReference,
			minutes,
			minutes,
			now.Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("insert top-up: %w", err)
		}
		return nil
	})
}

// Summarize returns the owner's quota state for the current billing period.
func (l *Ledger) Summarize(ctx context.Context, ownerID string) (*Summary, error) {
	if ownerID == "" {
		return nil, errors.New("owner id is required")
	}
	now := time.Now().UTC()
	summary := &Summary{OwnerID: ownerID, AsOf: now}

	err := l.inTx(ctx, func(tx *sql.Tx) error {
		account, err := loadAccount(ctx, tx, ownerID, now)
		if err != nil {
			return err
		}
		summary.BillingPeriod = account.BillingPeriod
		summary.SubscriptionMinutesLimit = account.SubscriptionMinutesLimit
		summary.SubscriptionMinutesUsed = account.SubscriptionMinutesUsed

		rows, err := tx.QueryContext(
			ctx,
			`SELECT id, external_reference, purchased_minutes, remaining_minutes, created_at
             FROM topup_credits WHERE owner_id = ? AND remaining_minutes > 0
             ORDER BY created_at ASC, id ASC`,
			ownerID,
		)
		if err != nil {
			return fmt.Errorf("list top-ups: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var topup TopUp
			var createdRaw string
			if err := rows.Scan(&topup.ID, &topup.ExternalReference, &topup.PurchasedMinutes, &topup.RemainingMinutes, &createdRaw); err != nil {
				return fmt.Errorf("scan top-up: %w", err)
			}
			if created, parseErr := time.Parse(time.RFC3339Nano, createdRaw); parseErr == nil {
				topup.CreatedAt = created
			}
			summary.TopUps = append(summary.TopUps, topup)
			summary.TopUpMinutesRemaining += topup.RemainingMinutes
		}
		if err := rows.Err(); err != nil {
			return err
		}

		row := tx.QueryRowContext(
			ctx,
			"SELECT COUNT(1), COALESCE(SUM(estimate_minutes), 0) FROM reservations WHERE owner_id = ?",
			ownerID,
		)
		if err := row.Scan(&summary.ActiveReservations, &summary.ReservedMinutes); err != nil {
			return fmt.Errorf("scan reservations: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	summary.AvailableMinutes = summary.SubscriptionMinutesLimit - summary.SubscriptionMinutesUsed + summary.TopUpMinutesRemaining
	return summary, nil
}

// loadAccount fetches or lazily creates the owner's account and rolls the
// billing period forward when a new month has started, which resets used
// minutes but never touches top-up balances.
func loadAccount(ctx context.Context, tx *sql.Tx, ownerID string, now time.Time) (*Account, error) {
	period := BillingPeriod(now)
	account := &Account{OwnerID: ownerID}

	row := tx.QueryRowContext(
		ctx,
		"SELECT subscription_minutes_limit, subscription_minutes_used, billing_period FROM quota_accounts WHERE owner_id = ?",
		ownerID,
	)
	err := row.Scan(&account.SubscriptionMinutesLimit, &account.SubscriptionMinutesUsed, &account.BillingPeriod)
	if errors.Is(err, sql.ErrNoRows) {
		if _, insErr := tx.ExecContext(
			ctx,
			"INSERT INTO quota_accounts (owner_id, billing_period, updated_at) VALUES (?, ?, ?)",
			ownerID,
			period,
			now.Format(time.RFC3339Nano),
		); insErr != nil {
			return nil, fmt.Errorf("create account: %w", insErr)
		}
		account.BillingPeriod = period
		return account, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	if account.BillingPeriod != period {
		if _, err := tx.ExecContext(
			ctx,
			"UPDATE quota_accounts SET subscription_minutes_used = 0, billing_period = ?, updated_at = ? WHERE owner_id = ?",
			period,
			now.Format(time.RFC3339Nano),
			ownerID,
		); err != nil {
			return nil, fmt.Errorf("roll billing period: %w", err)
		}
		account.SubscriptionMinutesUsed = 0
		account.BillingPeriod = period
	}
	return account, nil
}

func sumTopUps(ctx context.Context, tx *sql.Tx, ownerID string) (float64, error) {
	row := tx.QueryRowContext(
		ctx,
		"SELECT COALESCE(SUM(remaining_minutes), 0) FROM topup_credits WHERE owner_id = ?",
		ownerID,
	)
	var total float64
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("sum top-ups: %w", err)
	}
	return total, nil
}

// drainTopUps consumes minutes from the owner's top-up credits oldest-first.
// A shortfall is tolerated: billing never fails a completed job, the account
// just bottoms out.
func drainTopUps(ctx context.Context, tx *sql.Tx, ownerID string, minutes float64) error {
	rows, err := tx.QueryContext(
		ctx,
		`SELECT id, remaining_minutes FROM topup_credits
         WHERE owner_id = ? AND remaining_minutes > 0
         ORDER BY created_at ASC, id ASC`,
		ownerID,
	)
	if err != nil {
		return fmt.Errorf("list top-ups for drain: %w", err)
	}
	type credit struct {
		id        int64
		remaining float64
	}
	var credits []credit
	for rows.Next() {
		var c credit
		if err := rows.Scan(&c.id, &c.remaining); err != nil {
			rows.Close()
			return fmt.Errorf("scan top-up for drain: %w", err)
		}
		credits = append(credits, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, c := range credits {
		if minutes <= 0 {
			break
		}
		take := c.remaining
		if take > minutes {
			take = minutes
		}
		if _, err := tx.ExecContext(
			ctx,
			"UPDATE topup_credits SET remaining_minutes = remaining_minutes - ? WHERE id = ?",
			take,
			c.id,
		); err != nil {
			return fmt.Errorf("drain top-up %d: %w", c.id, err)
		}
		minutes -= take
	}
	return nil
}

func reservationOwner(ctx context.Context, tx *sql.Tx, reservationID string) (string, error) {
	row := tx.QueryRowContext(ctx, "SELECT owner_id FROM reservations WHERE id = ?", reservationID)
	var ownerID string
	err := row.Scan(&ownerID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrReservationNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load reservation: %w", err)
	}
	return ownerID, nil
}

func deleteReservation(ctx context.Context, tx *sql.Tx, reservationID string) error {
	if reservationID == "" {
		return nil
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM reservations WHERE id = ?", reservationID); err != nil {
		return fmt.Errorf("delete reservation: %w", err)
	}
	return nil
}
