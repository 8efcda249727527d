package orchestrate

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/testsuite"
	"go.temporal.io/sdk/workflow"
	"go.uber.org/zap"

	"github.com/sells-group/charlie-tr1/internal/assemble"
	"github.com/sells-group/charlie-tr1/internal/label"
	"github.com/sells-group/charlie-tr1/internal/model"
	"github.com/sells-group/charlie-tr1/internal/pipeline"
	"github.com/sells-group/charlie-tr1/internal/store"
	"github.com/sells-group/charlie-tr1/internal/technicals"
)

var asOf = time.Date(2024, 6, 14, 0, 0, 0, 0, time.UTC)

type workflowSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite

	env   *testsuite.TestWorkflowEnvironment
	store *store.SQLiteStore
	acts  *Activities
}

func TestWorkflowSuite(t *testing.T) {
	suite.Run(t, new(workflowSuite))
}

func (s *workflowSuite) SetupTest() {
	st, err := store.NewSQLite(filepath.Join(s.T().TempDir(), "wf.db"))
	s.Require().NoError(err)
	s.T().Cleanup(func() { st.Close() })
	s.Require().NoError(st.Migrate(context.Background()))
	s.store = st

	p, err := pipeline.New(st, pipeline.Options{
		Technicals: technicals.Options{Lookback: 15, Warmup: 35},
		Assemble:   assemble.DefaultOptions(),
		Label:      label.DefaultOptions(),
		Workers:    2,
	}, nil)
	s.Require().NoError(err)
	s.acts = &Activities{Pipeline: p}

	s.env = s.NewTestWorkflowEnvironment()
	s.env.RegisterWorkflowWithOptions(RunWorkflow, workflow.RegisterOptions{Name: WorkflowName})
	s.env.RegisterActivity(s.acts)
}

func (s *workflowSuite) seed(ticker string) {
	ctx := context.Background()
	id, err := s.store.UpsertAsset(ctx, model.Asset{Ticker: ticker, Name: ticker + " Corp"})
	s.Require().NoError(err)
	var bars []model.Bar
	for i, d := range model.DateRange(asOf.AddDate(0, 0, -90), asOf) {
		c := 100 + float64(i%9)
		bars = append(bars, model.Bar{Date: d, Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 1000})
	}
	_, err = s.store.UpsertPriceBars(ctx, id, bars)
	s.Require().NoError(err)
}

func (s *workflowSuite) TestRunsEveryBranch() {
	s.seed("AAPL")
	s.seed("MSFT")

	s.env.ExecuteWorkflow(RunWorkflow, RunInput{
		Request: pipeline.RunRequest{Dates: []time.Time{asOf}, Variations: 2, Seed: 1234},
		Workers: 1,
	})
	s.Require().True(s.env.IsWorkflowCompleted())
	s.Require().NoError(s.env.GetWorkflowError())

	var sum model.RunSummary
	s.Require().NoError(s.env.GetWorkflowResult(&sum))
	s.Equal(model.RunStatusSuccess, sum.Status)
	s.Equal(2, sum.BranchesTotal)
	s.Equal(4, sum.Artifacts[model.ArtifactSamples])

	run, err := s.store.GetRun(context.Background(), sum.RunID)
	s.Require().NoError(err)
	s.Equal(model.RunStatusSuccess, run.Status)
}

func (s *workflowSuite) TestFailedBranchActivityCountsAsMissing() {
	s.seed("AAPL")
	s.seed("MSFT")

	s.env.OnActivity(s.acts.RunBranch, mock.Anything, mock.MatchedBy(func(in BranchInput) bool {
		return in.Branch.Ticker == "AAPL"
	})).Return(func(_ context.Context, in BranchInput) (model.BranchSummary, error) {
		return model.BranchSummary{
			RunID:  in.Meta.RunID,
			Ticker: "AAPL",
			Units:  []model.UnitResult{{Ticker: "AAPL", AsOfDate: asOf}},
		}, nil
	})
	s.env.OnActivity(s.acts.RunBranch, mock.Anything, mock.MatchedBy(func(in BranchInput) bool {
		return in.Branch.Ticker == "MSFT"
	})).Return(model.BranchSummary{}, errors.New("worker lost"))

	s.env.ExecuteWorkflow(RunWorkflow, RunInput{
		Request: pipeline.RunRequest{Tickers: []string{"AAPL", "MSFT"}, Dates: []time.Time{asOf}, Variations: 1, Seed: 1},
		Workers: 2,
	})
	s.Require().True(s.env.IsWorkflowCompleted())
	s.Require().NoError(s.env.GetWorkflowError())

	var sum model.RunSummary
	s.Require().NoError(s.env.GetWorkflowResult(&sum))
	s.Equal(model.RunStatusFailed, sum.Status)
	s.Equal(pipeline.BranchMissing, sum.BranchesFailed["MSFT"])
	s.NotContains(sum.BranchesFailed, "AAPL")

	failures, err := s.store.ListUnitFailures(context.Background(), sum.RunID)
	s.Require().NoError(err)
	s.Require().Len(failures, 1)
	s.Equal(model.KindBranchMissing, failures[0].ErrorKind)
}

func (s *workflowSuite) TestRunIDFollowsExecution() {
	s.seed("AAPL")

	s.env.ExecuteWorkflow(RunWorkflow, RunInput{
		Request: pipeline.RunRequest{Dates: []time.Time{asOf}, Variations: 1, Seed: 1},
		Workers: 1,
	})
	s.Require().NoError(s.env.GetWorkflowError())

	var sum model.RunSummary
	s.Require().NoError(s.env.GetWorkflowResult(&sum))
	s.NotEmpty(sum.RunID)
	runs, err := s.store.ListRuns(context.Background(), store.RunFilter{})
	s.Require().NoError(err)
	s.Require().Len(runs, 1)
	s.Equal(sum.RunID, runs[0].ID)
}

func (s *workflowSuite) TestRetriedStartRunReusesRun() {
	s.seed("AAPL")
	req := pipeline.RunRequest{Dates: []time.Time{asOf}, Variations: 1, Seed: 1, RunID: "exec-1"}

	first, err := s.acts.StartRun(context.Background(), req)
	s.Require().NoError(err)
	again, err := s.acts.StartRun(context.Background(), req)
	s.Require().NoError(err)
	s.Equal("exec-1", first.Meta.RunID)
	s.Equal(first.Meta, again.Meta)

	runs, err := s.store.ListRuns(context.Background(), store.RunFilter{})
	s.Require().NoError(err)
	s.Len(runs, 1)
}

func (s *workflowSuite) TestStartFailureFailsWorkflow() {
	s.env.ExecuteWorkflow(RunWorkflow, RunInput{Request: pipeline.RunRequest{Dates: []time.Time{asOf}}})
	s.Require().True(s.env.IsWorkflowCompleted())
	s.Error(s.env.GetWorkflowError())
}

func TestLoggerWith(t *testing.T) {
	l := NewLogger(zap.NewNop())
	require.NotNil(t, l.With("k", "v"))
	l.Info("hello", "k", 1)
}
