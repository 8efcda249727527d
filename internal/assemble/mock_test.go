package assemble

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/charlie-tr1/internal/model"
)

type mockQuerier struct {
	mock.Mock
}

func (m *mockQuerier) LatestPriceWindow(ctx context.Context, assetID int64, cutoff time.Time) (*model.PriceWindow, error) {
	args := m.Called(ctx, assetID, cutoff)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.PriceWindow), args.Error(1)
}

func (m *mockQuerier) NewsForDate(ctx context.Context, assetID int64, asOfDate, cutoff time.Time) ([]model.NormalizedRecord, error) {
	args := m.Called(ctx, assetID, asOfDate, cutoff)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.NormalizedRecord), args.Error(1)
}

func (m *mockQuerier) LatestFundamentals(ctx context.Context, assetID int64, cutoff time.Time) (*model.FundamentalsReport, error) {
	args := m.Called(ctx, assetID, cutoff)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.FundamentalsReport), args.Error(1)
}

func (m *mockQuerier) MacroEvents(ctx context.Context, from, cutoff time.Time, limit int) ([]model.MacroEvent, error) {
	args := m.Called(ctx, from, cutoff, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.MacroEvent), args.Error(1)
}

func (m *mockQuerier) OptionsSnapshot(ctx context.Context, assetID int64, cutoff time.Time, maxAgeDays, limit int) ([]model.OptionContract, error) {
	args := m.Called(ctx, assetID, cutoff, maxAgeDays, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.OptionContract), args.Error(1)
}
