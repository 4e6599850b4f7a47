// Package autopay renews subscriptions by charging a stored billing token
// from a periodic batch job.
//
// The engine decides who to charge, reserves exactly one attempt per
// billing-cycle slot before contacting the gateway, interprets the answer,
// retries on a bounded schedule and keeps the local ledger consistent with
// the gateway across crashed or concurrent runs. There is no lock shared
// between runs: consistency comes from storage constraints.
//
//   - (subscriber_id, cycle_key, attempt_number) is unique, so two runs
//     racing for the same slot resolve to one reservation and one conflict.
//   - The order id sent to the gateway is derived from that slot, so a
//     replayed request never creates a second real-world charge.
//   - At most one attempt per cycle reaches success.
//   - Status changes are compare-and-set on pending; resolved rows are
//     an append-only audit trail.
//
// # Quick Start
//
//	s := memory.New()
//	gw := stripe.New(os.Getenv("STRIPE_KEY"))
//
//	eng := autopay.New(s, gw,
//	    autopay.WithLogger(slog.Default()),
//	    autopay.WithNotifier(publisher),
//	)
//	if err := eng.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Stop(ctx)
//
//	report, err := eng.RunDue(ctx, autopay.RunOptions{LeadTime: 24 * time.Hour})
//	...
//	report, err = eng.ReconcilePending(ctx, autopay.ReconcileOptions{})
//
// # Cycle states
//
// Each due subscriber's current cycle is classified from its attempts
// (see Classify): no attempt, pending (fresh, in flight or stale), retry
// eligible, retry not due, exhausted, terminated or succeeded. Only "no
// attempt" and "retry eligible" reserve a new attempt, and only after the
// manual-payment guard and a fresh consent check pass.
//
// # Retries
//
// The retry policy is a delay schedule: Delays[n-1] is the wait after
// attempt n fails, and a cycle has 1+len(Delays) attempts. When the last
// one fails with a retryable status autopay is disabled and the subscriber
// is told to pay manually.
//
// # TypeID
//
// All entities use TypeID for globally unique, type-safe identifiers:
//
//	sbr_01h2xcejqtf2nbrexx3vqjhp41  // Subscriber ID
//	att_01h2xcejqtf2nbrexx3vqjhp41  // Attempt ID
//	evt_01h455vb4pex5vsknk084sn02q  // Event ID
package autopay
