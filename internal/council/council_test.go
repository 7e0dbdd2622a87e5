package council

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	xerrors "Agora-Governance/internal/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func mustPropose(t *testing.T, c *Council, req ProposalRequest) Proposal {
	t.Helper()
	if req.Description == "" {
		req.Description = "redesign the storage architecture"
	}
	p, err := c.Propose(req)
	if err != nil {
		t.Fatalf("创建提案失败: %v", err)
	}
	return p
}

func mustVote(t *testing.T, c *Council, id, agent string, choice Choice) {
	t.Helper()
	if err := c.Vote(id, agent, choice, ""); err != nil {
		t.Fatalf("投票失败 %s/%s: %v", agent, choice, err)
	}
}

func TestProposeDefaults(t *testing.T) {
	c := New()
	p := mustPropose(t, c, ProposalRequest{ProposedBy: "coder"})
	if p.Status != StatusOpen || p.ConsensusThreshold != DefaultThreshold || p.ProposalType != TypeGeneral {
		t.Fatalf("unexpected defaults: %+v", p)
	}
	if got := p.ExpiresAt.Sub(p.CreatedAt); got != DefaultTTL {
		t.Fatalf("unexpected ttl %v", got)
	}

	if _, err := c.Propose(ProposalRequest{Description: "  "}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("blank description should be rejected: %v", err)
	}
	if _, err := c.Propose(ProposalRequest{Description: "x", Threshold: 1.5}); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("threshold > 1 should be rejected: %v", err)
	}
}

func TestResolveApprovesAtThreshold(t *testing.T) {
	c := New()
	p := mustPropose(t, c, ProposalRequest{Threshold: 0.75})
	mustVote(t, c, p.ID, "a", ChoiceApprove)
	mustVote(t, c, p.ID, "b", ChoiceApprove)
	mustVote(t, c, p.ID, "c", ChoiceApprove)
	mustVote(t, c, p.ID, "d", ChoiceReject)
	mustVote(t, c, p.ID, "e", ChoiceAbstain)

	d, err := c.Resolve(p.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !d.Approved() || d.ConsensusLevel != 0.75 {
		t.Fatalf("expected approval at 0.75, got %+v", d)
	}
	if d.VoteSummary.Abstain != 1 || len(d.VoteSummary.Ballots) != 5 {
		t.Fatalf("unexpected summary %+v", d.VoteSummary)
	}

	again, err := c.Resolve(p.ID)
	if err != nil || again.ID != d.ID {
		t.Fatalf("resolve must be idempotent: %v %+v", err, again)
	}
	if got := len(c.GetDecisions(0)); got != 1 {
		t.Fatalf("exactly one decision expected, got %d", got)
	}
}

func TestResolveRejectsBelowThreshold(t *testing.T) {
	c := New()
	p := mustPropose(t, c, ProposalRequest{})
	mustVote(t, c, p.ID, "a", ChoiceApprove)
	mustVote(t, c, p.ID, "b", ChoiceReject)
	mustVote(t, c, p.ID, "c", ChoiceReject)
	mustVote(t, c, p.ID, "d", ChoiceReject)

	d, err := c.Resolve(p.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d.Approved() || d.ConsensusLevel != 0.25 {
		t.Fatalf("expected rejection at 0.25, got %+v", d)
	}
}

func TestAllAbstainIsRejected(t *testing.T) {
	c := New()
	p := mustPropose(t, c, ProposalRequest{Threshold: 0.1})
	mustVote(t, c, p.ID, "a", ChoiceAbstain)
	d, err := c.Resolve(p.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if d.Approved() || d.ConsensusLevel != 0 || d.Participation() {
		t.Fatalf("abstain-only proposal must be rejected: %+v", d)
	}
}

func TestRevoteReplacesEarlierBallot(t *testing.T) {
	c := New()
	p := mustPropose(t, c, ProposalRequest{})
	mustVote(t, c, p.ID, "a", ChoiceReject)
	mustVote(t, c, p.ID, "a", ChoiceApprove)

	current, err := c.GetProposal(p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(current.Votes) != 1 || current.Votes["a"].Choice != ChoiceApprove {
		t.Fatalf("last vote should win: %+v", current.Votes)
	}
	d, _ := c.Resolve(p.ID)
	if !d.Approved() || d.ConsensusLevel != 1 {
		t.Fatalf("unexpected decision %+v", d)
	}
}

func TestVoteAfterResolutionIsClosed(t *testing.T) {
	c := New()
	p := mustPropose(t, c, ProposalRequest{})
	mustVote(t, c, p.ID, "a", ChoiceApprove)
	first, _ := c.Resolve(p.ID)

	err := c.Vote(p.ID, "b", ChoiceReject, "too late")
	if xerrors.CodeOf(err) != CodeProposalClosed {
		t.Fatalf("expected PROPOSAL_CLOSED, got %v", err)
	}
	current, _ := c.GetProposal(p.ID)
	if _, ok := current.Votes["b"]; ok {
		t.Fatalf("late vote must not be recorded")
	}
	d, _ := c.Resolve(p.ID)
	if d.ID != first.ID || d.ConsensusLevel != first.ConsensusLevel {
		t.Fatalf("decision must not change after closing")
	}
}

func TestVoteValidation(t *testing.T) {
	c := New()
	p := mustPropose(t, c, ProposalRequest{})
	if err := c.Vote(p.ID, "a", Choice("maybe"), ""); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("invalid choice should fail: %v", err)
	}
	if err := c.Vote(p.ID, "", ChoiceApprove, ""); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("empty agent should fail: %v", err)
	}
	if err := c.Vote("missing", "a", ChoiceApprove, ""); xerrors.CodeOf(err) != CodeProposalNotFound {
		t.Fatalf("unknown proposal should fail: %v", err)
	}
}

func TestSweepResolvesExpiredWithoutVotes(t *testing.T) {
	clock := newFakeClock()
	var hooked []Decision
	c := New(WithClock(clock.Now), WithDecisionHook(func(d Decision) { hooked = append(hooked, d) }))
	p := mustPropose(t, c, ProposalRequest{TTL: time.Second})

	if n := c.SweepExpired(); n != 0 {
		t.Fatalf("nothing should expire yet, got %d", n)
	}
	clock.Advance(time.Second)
	if n := c.SweepExpired(); n != 1 {
		t.Fatalf("expected one expired proposal, got %d", n)
	}
	current, _ := c.GetProposal(p.ID)
	if current.Status != StatusRejected || current.DecisionID == "" {
		t.Fatalf("expired proposal should be rejected: %+v", current)
	}
	if len(hooked) != 1 || hooked[0].ConsensusLevel != 0 || hooked[0].Approved() {
		t.Fatalf("decision hook not called correctly: %+v", hooked)
	}
	if len(c.GetActiveProposals()) != 0 {
		t.Fatalf("no proposals should remain active")
	}
}

func TestVoteOnExpiredUnsweptProposal(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))
	p := mustPropose(t, c, ProposalRequest{TTL: time.Second})
	mustVote(t, c, p.ID, "a", ChoiceApprove)
	clock.Advance(2 * time.Second)

	if err := c.Vote(p.ID, "b", ChoiceReject, ""); xerrors.CodeOf(err) != CodeProposalClosed {
		t.Fatalf("expected PROPOSAL_CLOSED, got %v", err)
	}
	current, _ := c.GetProposal(p.ID)
	if current.Status != StatusApproved {
		t.Fatalf("expired proposal should resolve with votes cast in window: %+v", current)
	}
}

func TestAllListedVotersResolveEarly(t *testing.T) {
	c := New()
	p := mustPropose(t, c, ProposalRequest{Voters: []string{"a", "b", "b"}})
	mustVote(t, c, p.ID, "a", ChoiceApprove)
	if current, _ := c.GetProposal(p.ID); current.Status != StatusOpen {
		t.Fatalf("should stay open until every voter votes")
	}
	mustVote(t, c, p.ID, "b", ChoiceApprove)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	proposal, decision, err := c.Await(ctx, p.ID)
	if err != nil || decision == nil {
		t.Fatalf("await: %v", err)
	}
	if proposal.Status != StatusApproved || !decision.Approved() {
		t.Fatalf("unexpected result %+v %+v", proposal, decision)
	}
}

func TestAwaitHonoursContext(t *testing.T) {
	c := New()
	p := mustPropose(t, c, ProposalRequest{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	proposal, decision, err := c.Await(ctx, p.ID)
	if err == nil || decision != nil || proposal.Status != StatusOpen {
		t.Fatalf("await should time out with open proposal: %v %+v", err, proposal)
	}
}

func TestWithdrawExpiresWithoutDecision(t *testing.T) {
	c := New()
	p := mustPropose(t, c, ProposalRequest{})
	if err := c.Withdraw(p.ID, "caller cancelled"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	proposal, decision, err := c.Await(context.Background(), p.ID)
	if err != nil || decision != nil || proposal.Status != StatusExpired {
		t.Fatalf("withdrawn proposal should be expired without decision: %v %+v", err, proposal)
	}
	if _, err := c.Resolve(p.ID); xerrors.CodeOf(err) != CodeProposalClosed {
		t.Fatalf("resolving withdrawn proposal should fail: %v", err)
	}
	if err := c.Withdraw(p.ID, "again"); xerrors.CodeOf(err) != CodeProposalClosed {
		t.Fatalf("double withdraw should fail: %v", err)
	}
	if len(c.GetDecisions(0)) != 0 {
		t.Fatalf("withdraw must not produce decisions")
	}
}

func TestConcurrentVotesAcrossProposals(t *testing.T) {
	c := New()
	const proposals, voters = 8, 16
	ids := make([]string, proposals)
	for i := range ids {
		ids[i] = mustPropose(t, c, ProposalRequest{Description: fmt.Sprintf("proposal %d", i)}).ID
	}

	var g errgroup.Group
	for _, id := range ids {
		for v := 0; v < voters; v++ {
			id, v := id, v
			g.Go(func() error {
				choice := ChoiceApprove
				if v%4 == 0 {
					choice = ChoiceReject
				}
				return c.Vote(id, fmt.Sprintf("agent-%d", v), choice, "")
			})
		}
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent vote failed: %v", err)
	}
	for _, id := range ids {
		d, err := c.Resolve(id)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if d.VoteSummary.Approve != 12 || d.VoteSummary.Reject != 4 || d.ConsensusLevel != 0.75 {
			t.Fatalf("lost votes under concurrency: %+v", d.VoteSummary)
		}
	}
}

func TestVotesOnFreshlyPublishedProposals(t *testing.T) {
	c := New()
	const proposals = 500
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var voters errgroup.Group
	for v := 0; v < 4; v++ {
		agentID := fmt.Sprintf("agent-%d", v)
		voters.Go(func() error {
			for ctx.Err() == nil {
				for _, p := range c.GetActiveProposals() {
					if err := c.Vote(p.ID, agentID, ChoiceApprove, ""); err != nil && !xerrors.IsCode(err, CodeProposalClosed) {
						return err
					}
				}
			}
			return nil
		})
	}

	for i := 0; i < proposals; i++ {
		p, err := c.Propose(ProposalRequest{Description: fmt.Sprintf("proposal %d", i)})
		if err != nil {
			cancel()
			t.Fatalf("propose: %v", err)
		}
		if len(p.Votes) != 0 {
			t.Fatalf("returned proposal should be the state at creation, got %d votes", len(p.Votes))
		}
	}
	cancel()
	if err := voters.Wait(); err != nil {
		t.Fatalf("vote: %v", err)
	}
	if got := len(c.Proposals()); got != proposals {
		t.Fatalf("expected %d proposals, got %d", proposals, got)
	}
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	c := New(WithSweepInterval(5 * time.Millisecond))
	p := mustPropose(t, c, ProposalRequest{TTL: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	proposal, decision, err := c.Await(waitCtx, p.ID)
	if err != nil || decision == nil || proposal.Status != StatusRejected {
		t.Fatalf("sweeper should reject expired proposal: %v %+v", err, proposal)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run returned %v", err)
	}
}

func TestSnapshotRestore(t *testing.T) {
	src := New()
	open := mustPropose(t, src, ProposalRequest{Description: "open proposal"})
	closed := mustPropose(t, src, ProposalRequest{Description: "closed proposal"})
	mustVote(t, src, open.ID, "a", ChoiceApprove)
	mustVote(t, src, closed.ID, "a", ChoiceReject)
	if _, err := src.Resolve(closed.ID); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	proposals, decisions := src.Snapshot()
	dst := New()
	dst.Restore(proposals, decisions)

	if got := dst.GetActiveProposals(); len(got) != 1 || got[0].ID != open.ID || got[0].Votes["a"].Choice != ChoiceApprove {
		t.Fatalf("open proposal not restored: %+v", got)
	}
	if err := dst.Vote(closed.ID, "b", ChoiceApprove, ""); xerrors.CodeOf(err) != CodeProposalClosed {
		t.Fatalf("restored closed proposal must reject votes: %v", err)
	}
	d, err := dst.Resolve(closed.ID)
	if err != nil || d.ID != decisions[0].ID {
		t.Fatalf("restored decision mismatch: %v %+v", err, d)
	}
	if len(dst.GetDecisions(0)) != 1 {
		t.Fatalf("decision history not restored")
	}
}

func TestAbsentVotersCountAgainstAtExpiry(t *testing.T) {
	clock := newFakeClock()
	c := New(WithClock(clock.Now))
	p := mustPropose(t, c, ProposalRequest{
		Threshold: 0.7,
		TTL:       time.Second,
		Voters:    []string{"coder", "reviewer", "ops", "researcher"},
	})
	mustVote(t, c, p.ID, "coder", ChoiceApprove)
	clock.Advance(time.Second)
	c.SweepExpired()

	d := c.GetDecisions(1)[0]
	if d.Approved() || d.ConsensusLevel != 0.25 {
		t.Fatalf("absent electorate must count against: %+v", d)
	}
	if d.VoteSummary.Absent != 3 || !d.Participation() {
		t.Fatalf("unexpected summary %+v", d.VoteSummary)
	}
}
