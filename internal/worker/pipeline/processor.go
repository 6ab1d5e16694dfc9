package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/case-import/internal/worker/casenumber"
	"github.com/cuongbtq/case-import/internal/worker/domain"
	"github.com/cuongbtq/case-import/internal/worker/registry"
	"github.com/cuongbtq/case-import/internal/worker/settings"
)

// CaseStatusActive is the status given to imported cases
const CaseStatusActive = "진행중"

// Outcome is how a job left the processor
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeRequeued means the invocation ended first; no attempt was used
	OutcomeRequeued Outcome = "requeued"
	// OutcomeLost means another worker or an operator took the job over
	OutcomeLost Outcome = "lost"
)

// Deps are the collaborators of a Processor. Limiter and Jitter are shared by
// every job of one invocation.
type Deps struct {
	Jobs     JobStore
	Cases    CaseRepository
	Registry registry.Client
	Limiter  Waiter
	Jitter   Sleeper
	Settings settings.Settings
	WorkerID string
	Logger   *slog.Logger
	// Now defaults to time.Now
	Now func() time.Time
}

// Processor turns one claimed job into a case
type Processor struct {
	jobs     JobStore
	cases    CaseRepository
	registry registry.Client
	limiter  Waiter
	jitter   Sleeper
	settings settings.Settings
	workerID string
	logger   *slog.Logger
	now      func() time.Time
}

type noWait struct{}

func (noWait) Wait(context.Context) error  { return nil }
func (noWait) Sleep(context.Context) error { return nil }

// NewProcessor creates a Processor
func NewProcessor(d Deps) *Processor {
	p := &Processor{
		jobs:     d.Jobs,
		cases:    d.Cases,
		registry: d.Registry,
		limiter:  d.Limiter,
		jitter:   d.Jitter,
		settings: d.Settings,
		workerID: d.WorkerID,
		logger:   d.Logger,
		now:      d.Now,
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.limiter == nil {
		p.limiter = noWait{}
	}
	if p.jitter == nil {
		p.jitter = noWait{}
	}
	if p.logger == nil {
		p.logger = slog.New(slog.DiscardHandler)
	}
	return p
}

// Process runs one claimed job to exactly one recorded outcome. The error is
// non-nil only when that outcome could not be written.
func (p *Processor) Process(ctx context.Context, job domain.ImportJob) (Outcome, error) {
	r := &jobRun{
		p:   p,
		job: job,
		row: job.Payload,
		logger: p.logger.With(
			slog.String("job_id", job.ID),
			slog.String("batch_id", job.BatchID),
			slog.String("worker_id", p.workerID),
		),
		// outcome writes must land even when the invocation is shutting down
		store: context.WithoutCancel(ctx),
		start: time.Now(),
	}

	if err := p.jobs.MarkRunning(r.store, job.ID, p.workerID); err != nil {
		if errors.Is(err, domain.ErrJobCancelled) {
			return r.release()
		}
		return r.writeError(fmt.Errorf("failed to mark job running: %w", err))
	}

	opts, err := p.jobs.BatchOptions(r.store, job.BatchID)
	if err != nil {
		r.logger.Warn("Using default import options",
			slog.String("error", err.Error()),
		)
		opts = domain.DefaultImportOptions()
	}
	r.opts = opts

	steps := []func(context.Context) (Outcome, error){
		r.validate,
		r.parse,
		r.checkDuplicate,
		r.checkpoint,
		r.syncExternal,
		r.resolveClient,
		r.resolveAssignees,
		r.checkpoint,
		r.persist,
		r.materialize,
		r.finalize,
	}
	for _, step := range steps {
		outcome, err := step(ctx)
		if outcome != "" || err != nil {
			return outcome, err
		}
	}
	return OutcomeSuccess, nil
}

// jobRun is the state of one job as it moves through the steps
type jobRun struct {
	p      *Processor
	job    domain.ImportJob
	row    domain.CaseRow
	opts   domain.ImportOptions
	logger *slog.Logger
	store  context.Context
	start  time.Time
	warn   warnings

	parsed     casenumber.Parsed
	court      string
	caseType   string
	clientName string
	existing   *domain.CaseRef
	info       *domain.CaseInfo

	contract string
	// contractDefaulted is set when the row had no usable contract date
	contractDefaulted bool

	clientID    string
	isNewClient bool
	assignedTo  string
	assignees   []domain.Assignee

	caseRef *domain.CaseRef
}

func (r *jobRun) validate(context.Context) (Outcome, error) {
	if err := r.row.Validate(); err != nil {
		return r.fail(domain.NewPermanentError(err))
	}

	if strings.TrimSpace(r.row.ContractDate) != "" {
		date, err := domain.ParseContractDate(r.row.ContractDate)
		if err == nil {
			r.contract = date
			return "", nil
		}
		r.warn.add(domain.StepValidate, "contract_date %q is not a date, using today", strings.TrimSpace(r.row.ContractDate))
	}
	r.contract = r.p.now().Format(time.DateOnly)
	r.contractDefaulted = true
	return "", nil
}

func (r *jobRun) parse(context.Context) (Outcome, error) {
	cleaned := casenumber.StripCourtPrefix(r.row.CourtCaseNumber)
	parsed, err := casenumber.Parse(cleaned)
	if err != nil {
		return r.fail(domain.NewPermanentError(fmt.Errorf("%w: %v", domain.ErrValidation, err)))
	}

	r.parsed = parsed
	r.court = casenumber.NormalizeCourtName(r.row.CourtName)
	r.clientName = casenumber.NormalizeName(r.row.ClientName)
	r.caseType = strings.TrimSpace(r.row.CaseType)
	if r.caseType == "" {
		r.caseType = casenumber.ClassifyCaseType(parsed.CaseType, r.row.CaseName)
	}
	return "", nil
}

func (r *jobRun) checkDuplicate(ctx context.Context) (Outcome, error) {
	existing, err := r.p.cases.FindCase(ctx, r.job.TenantID, r.parsed.Normalized, r.court)
	if err != nil {
		return r.fail(fmt.Errorf("%w: %v", domain.ErrPersistence, err))
	}
	if existing == nil {
		return "", nil
	}
	return r.onDuplicate(existing)
}

// onDuplicate applies the batch's duplicate policy. An empty outcome means
// the import continues against the existing case.
func (r *jobRun) onDuplicate(existing *domain.CaseRef) (Outcome, error) {
	switch r.opts.DuplicateHandling {
	case domain.DuplicateUpdate:
		r.existing = existing
		return "", nil
	case domain.DuplicateError:
		return r.fail(domain.NewPermanentError(
			fmt.Errorf("%w: %s already registered", domain.ErrDuplicate, r.parsed.Normalized)))
	default:
		return r.skip("Case already registered", &domain.JobResult{
			CaseID:   existing.ID,
			CaseName: existing.CaseName,
		})
	}
}

// checkpoint stops the job when its batch was cancelled
func (r *jobRun) checkpoint(context.Context) (Outcome, error) {
	cancelled, err := r.p.jobs.IsCancelled(r.store, r.job.ID)
	if err != nil {
		r.logger.Warn("Failed to check cancellation",
			slog.String("error", err.Error()),
		)
		return "", nil
	}
	if cancelled {
		return r.release()
	}
	return "", nil
}

func (r *jobRun) syncExternal(ctx context.Context) (Outcome, error) {
	if r.p.registry == nil {
		r.warn.add(domain.StepExternalSync, "court registry is not configured")
	} else {
		if err := r.p.limiter.Wait(ctx); err != nil {
			return r.interrupted(err)
		}
		if err := r.p.jitter.Sleep(ctx); err != nil {
			return r.interrupted(err)
		}

		info, err := r.p.registry.SearchCase(ctx, registry.Query{
			CourtName: r.court,
			Year:      r.parsed.Year,
			CaseType:  r.parsed.CaseType,
			Serial:    r.parsed.Serial,
			PartyName: r.row.PartyName(),
		})
		switch {
		case err != nil:
			r.warn.add(domain.StepExternalSync, "court registry sync failed: %v", err)
		case info == nil || info.Handle == "":
			r.warn.add(domain.StepExternalSync, "case not found in court registry")
		default:
			r.info = info
		}
	}

	if r.opts.DryRun {
		return r.succeed()
	}
	return "", nil
}

func (r *jobRun) resolveClient(ctx context.Context) (Outcome, error) {
	if r.clientName == "" {
		r.warn.add(domain.StepClient, "client name is empty, no client linked")
		return "", nil
	}

	found, err := r.p.cases.FindClientByName(ctx, r.job.TenantID, r.clientName)
	if err != nil {
		r.warn.add(domain.StepClient, "client lookup failed: %v", err)
		return "", nil
	}
	if found != nil {
		r.clientID = found.ID
		return "", nil
	}
	if !r.opts.CreateNewClients {
		r.warn.add(domain.StepClient, "client %q not found and client creation is disabled", r.clientName)
		return "", nil
	}

	created, err := r.p.cases.CreateClient(ctx, domain.NewClient{
		TenantID:    r.job.TenantID,
		Name:        r.clientName,
		Phone:       strings.TrimSpace(r.row.ClientPhone),
		Email:       strings.TrimSpace(r.row.ClientEmail),
		Address:     strings.TrimSpace(r.row.ClientAddress),
		BankAccount: strings.TrimSpace(r.row.ClientBankAccount),
		BirthDate:   strings.TrimSpace(r.row.ClientBirthDate),
	})
	if err != nil {
		r.warn.add(domain.StepClient, "client creation failed: %v", err)
		return "", nil
	}
	r.clientID = created.ID
	r.isNewClient = true
	return "", nil
}

func (r *jobRun) resolveAssignees(ctx context.Context) (Outcome, error) {
	for i, name := range r.row.Lawyers() {
		id := r.lookupMember(ctx, domain.StepAssignedLawyer, "lawyer", name)
		if id == "" {
			continue
		}
		if i == 0 {
			r.assignedTo = id
		}
		r.addAssignee(domain.Assignee{MemberID: id, IsPrimary: i == 0, Role: "lawyer"})
	}

	if staff := casenumber.NormalizeName(r.row.AssignedStaff); staff != "" {
		if id := r.lookupMember(ctx, domain.StepAssignedStaff, "staff member", staff); id != "" {
			r.addAssignee(domain.Assignee{MemberID: id, Role: "staff"})
		}
	}
	return "", nil
}

func (r *jobRun) lookupMember(ctx context.Context, step, kind, name string) string {
	id, err := r.p.cases.FindMemberByName(ctx, r.job.TenantID, casenumber.NormalizeName(name))
	switch {
	case err != nil:
		r.warn.add(step, "%s %q lookup failed: %v", kind, name, err)
	case id == "":
		r.warn.add(step, "%s %q not found", kind, name)
	}
	return id
}

func (r *jobRun) addAssignee(a domain.Assignee) {
	for _, existing := range r.assignees {
		if existing.MemberID == a.MemberID {
			return
		}
	}
	r.assignees = append(r.assignees, a)
}

func (r *jobRun) caseName() string {
	if name := strings.TrimSpace(r.row.CaseName); name != "" {
		return name
	}
	if r.clientName != "" {
		return r.clientName + " " + r.caseType
	}
	return r.parsed.Normalized
}

func (r *jobRun) record() domain.CaseRecord {
	rec := domain.CaseRecord{
		TenantID:          r.job.TenantID,
		CaseName:          r.caseName(),
		CaseType:          r.caseType,
		CourtCaseNumber:   r.parsed.Normalized,
		CourtName:         r.court,
		PrimaryClientID:   r.clientID,
		PrimaryClientName: r.clientName,
		AssignedTo:        r.assignedTo,
		Status:            CaseStatusActive,
		ContractDate:      r.contract,
		Notes:             strings.TrimSpace(r.row.Notes),
	}
	// an existing case keeps its contract date unless the row names one
	if r.existing != nil && r.contractDefaulted {
		rec.ContractDate = ""
	}
	if r.info != nil {
		syncedAt := r.p.now()
		rec.ExternalHandle = r.info.Handle
		rec.ExternalSyncedAt = &syncedAt
	}
	return rec
}

func (r *jobRun) persist(ctx context.Context) (Outcome, error) {
	rec := r.record()

	if r.existing != nil {
		ref, err := r.p.cases.UpsertCase(ctx, rec)
		if err != nil {
			return r.fail(err)
		}
		r.caseRef = ref
		return "", nil
	}

	ref, err := r.p.cases.InsertCase(ctx, rec)
	if errors.Is(err, domain.ErrDuplicate) {
		return r.onConflict(ctx, rec)
	}
	if err != nil {
		return r.fail(err)
	}
	r.caseRef = ref
	return "", nil
}

// onConflict handles another job inserting the same case between the
// duplicate check and the insert
func (r *jobRun) onConflict(ctx context.Context, rec domain.CaseRecord) (Outcome, error) {
	r.logger.Info("Case created concurrently, applying duplicate policy",
		slog.String("case_number", rec.CourtCaseNumber),
	)

	existing, err := r.p.cases.FindCase(ctx, r.job.TenantID, rec.CourtCaseNumber, rec.CourtName)
	if err != nil {
		return r.fail(fmt.Errorf("%w: %v", domain.ErrPersistence, err))
	}
	if existing == nil {
		return r.fail(fmt.Errorf("%w: conflicting case %s not found", domain.ErrPersistence, rec.CourtCaseNumber))
	}
	if outcome, err := r.onDuplicate(existing); outcome != "" || err != nil {
		return outcome, err
	}
	if r.contractDefaulted {
		rec.ContractDate = ""
	}

	ref, err := r.p.cases.UpsertCase(ctx, rec)
	if err != nil {
		return r.fail(err)
	}
	r.caseRef = ref
	return "", nil
}

func (r *jobRun) partySeeds() []domain.PartySeed {
	role := r.row.Role()
	var seeds []domain.PartySeed
	if r.clientName != "" {
		seeds = append(seeds, domain.PartySeed{
			Name:     r.clientName,
			Type:     role,
			Label:    role.Label(),
			Order:    1,
			ClientID: r.clientID,
		})
	}
	if opponent := casenumber.NormalizeName(r.row.OpponentName); opponent != "" {
		other := role.Opposite()
		seeds = append(seeds, domain.PartySeed{
			Name:  opponent,
			Type:  other,
			Label: other.Label(),
			Order: len(seeds) + 1,
		})
	}
	return seeds
}

type subStep struct {
	name string
	run  func() error
}

// parallel runs sub-steps concurrently; each failure becomes a warning tagged
// with the sub-step name
func (r *jobRun) parallel(steps ...subStep) {
	var wg sync.WaitGroup
	for _, s := range steps {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					r.warn.add(s.name, "%s failed: %v", s.name, rec)
				}
			}()
			if err := s.run(); err != nil {
				r.warn.add(s.name, "%s failed: %v", s.name, err)
			}
		}()
	}
	wg.Wait()
}

func (r *jobRun) materialize(ctx context.Context) (Outcome, error) {
	tenantID, caseID := r.job.TenantID, r.caseRef.ID

	var parties []domain.PartyRef
	if seeds := r.partySeeds(); len(seeds) > 0 {
		refs, err := r.p.cases.UpsertParties(ctx, tenantID, caseID, seeds)
		if err != nil {
			r.warn.add(domain.StepParties, "parties failed: %v", err)
		}
		parties = refs
	}

	var links []subStep
	if r.clientID != "" {
		links = append(links, subStep{domain.StepCaseClient, func() error {
			link := domain.CaseClientLink{
				TenantID:    tenantID,
				CaseID:      caseID,
				ClientID:    r.clientID,
				IsPrimary:   true,
				RetainerFee: r.row.RetainerFee,
			}
			for _, party := range parties {
				if party.Name == r.clientName {
					link.LinkedPartyID = party.ID
					break
				}
			}
			return r.p.cases.LinkCaseClient(ctx, link)
		}})
	}
	if len(r.assignees) > 0 {
		links = append(links, subStep{domain.StepCaseAssignees, func() error {
			return r.p.cases.LinkAssignees(ctx, tenantID, caseID, r.assignees)
		}})
	}
	r.parallel(links...)

	if r.info != nil && r.info.HasDetail() {
		r.parallel(r.registrySteps(ctx, tenantID, caseID)...)
	}
	return "", nil
}

func (r *jobRun) registrySteps(ctx context.Context, tenantID, caseID string) []subStep {
	info := r.info
	steps := []subStep{{domain.StepSnapshot, func() error {
		_, err := r.p.cases.SaveSnapshot(ctx, domain.Snapshot{
			TenantID:   tenantID,
			CaseID:     caseID,
			CaseNumber: r.parsed.Normalized,
			CourtName:  r.court,
			Info:       info,
		})
		return err
	}}}

	related := make([]domain.LinkedCase, 0, len(info.LowerCourt)+len(info.RelatedCases))
	for _, lc := range info.LowerCourt {
		lc.LowerCourt = true
		related = append(related, lc)
	}
	related = append(related, info.RelatedCases...)
	if len(related) > 0 {
		steps = append(steps, subStep{domain.StepRelatedCases, func() error {
			return r.p.cases.LinkRelatedCases(ctx, tenantID, caseID, related)
		}})
	}

	if len(info.Parties) > 0 || len(info.Representatives) > 0 {
		steps = append(steps, subStep{domain.StepPartySync, func() error {
			return r.p.cases.SyncParties(ctx, tenantID, caseID, info.Parties, info.Representatives)
		}})
	}

	if len(info.Hearings) > 0 {
		steps = append(steps, subStep{domain.StepHearingSync, func() error {
			return r.p.cases.SyncHearings(ctx, caseID, r.parsed.Normalized, info.Hearings)
		}})
	}
	return steps
}

func (r *jobRun) finalize(context.Context) (Outcome, error) {
	return r.succeed()
}

func (r *jobRun) result() domain.JobResult {
	res := domain.JobResult{
		CaseName:        r.caseName(),
		ClientID:        r.clientID,
		ClientName:      r.clientName,
		IsNewClient:     r.isNewClient,
		UpdatedExisting: r.existing != nil,
		DryRun:          r.opts.DryRun,
		Warnings:        r.warn.items(),
	}
	switch {
	case r.caseRef != nil:
		res.CaseID, res.CaseName = r.caseRef.ID, r.caseRef.CaseName
	case r.existing != nil:
		res.CaseID = r.existing.ID
	}
	if r.info != nil {
		res.ExternalSynced = true
		res.ExternalHandle = r.info.Handle
	}
	return res
}

func (r *jobRun) succeed() (Outcome, error) {
	res := r.result()
	if err := r.p.jobs.MarkSuccess(r.store, r.job.ID, r.p.workerID, res); err != nil {
		return r.writeError(fmt.Errorf("failed to mark job success: %w", err))
	}

	r.logger.Info("Job completed",
		slog.String("case_id", res.CaseID),
		slog.Int("warnings", len(res.Warnings)),
		slog.Bool("dry_run", res.DryRun),
		slog.Duration("duration", time.Since(r.start)),
	)
	return OutcomeSuccess, nil
}

func (r *jobRun) skip(reason string, ref *domain.JobResult) (Outcome, error) {
	if err := r.p.jobs.MarkSkipped(r.store, r.job.ID, r.p.workerID, reason, ref); err != nil {
		return r.writeError(fmt.Errorf("failed to mark job skipped: %w", err))
	}
	r.logger.Info("Job skipped",
		slog.String("reason", reason),
	)
	return OutcomeSkipped, nil
}

// fail records err on the job. Permanent errors use up every remaining retry.
func (r *jobRun) fail(cause error) (Outcome, error) {
	s := r.p.settings
	attempts := r.job.Attempts
	if domain.IsPermanent(cause) {
		attempts = max(attempts, s.MaxRetries)
	}
	delay := s.Backoff(r.job.Attempts + 1)

	retry, err := r.p.jobs.MarkFailed(r.store, r.job.ID, r.p.workerID, cause.Error(), attempts, s.MaxRetries, delay)
	if err != nil {
		return r.writeError(fmt.Errorf("failed to mark job failed: %w", err))
	}

	if retry {
		r.logger.Warn("Job failed, will be retried",
			slog.String("error", cause.Error()),
			slog.Int("attempts", r.job.Attempts+1),
			slog.Duration("delay", delay),
		)
		return OutcomeRetry, nil
	}

	r.logger.Error("Job failed",
		slog.String("error", cause.Error()),
		slog.Bool("permanent", domain.IsPermanent(cause)),
	)
	return OutcomeFailed, nil
}

// interrupted handles a wait cut short by the end of the invocation. The job
// did nothing wrong, so it goes back to the queue with its attempts intact.
// Other wait errors are ordinary failures.
func (r *jobRun) interrupted(cause error) (Outcome, error) {
	if !errors.Is(cause, context.Canceled) && !errors.Is(cause, context.DeadlineExceeded) {
		return r.fail(cause)
	}
	if err := r.p.jobs.Requeue(r.store, r.job.ID, r.p.workerID, domain.ReasonInterrupted); err != nil {
		return r.writeError(fmt.Errorf("failed to requeue job: %w", err))
	}
	r.logger.Info("Job requeued, invocation ended",
		slog.String("error", cause.Error()),
	)
	return OutcomeRequeued, nil
}

func (r *jobRun) release() (Outcome, error) {
	if err := r.p.jobs.ReleaseCancelled(r.store, r.job.ID, r.p.workerID); err != nil {
		return r.writeError(fmt.Errorf("failed to release cancelled job: %w", err))
	}
	r.logger.Info("Job cancelled")
	return OutcomeCancelled, nil
}

// writeError turns a failed outcome write into the outcome it implies
func (r *jobRun) writeError(err error) (Outcome, error) {
	switch {
	case errors.Is(err, domain.ErrJobCancelled):
		r.logger.Info("Job cancelled")
		return OutcomeCancelled, nil
	case errors.Is(err, domain.ErrClaimLost):
		r.logger.Warn("Job claim lost")
		return OutcomeLost, nil
	}
	r.logger.Error("Failed to record job outcome",
		slog.String("error", err.Error()),
	)
	return "", err
}
