package model

import (
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestWinRate_CoversRecentWindowOnly(t *testing.T) {
	p := Player{MatchesPlayed: 40, Wins: 40}
	for i := 0; i < RecentWindow; i++ {
		p.Recent = PushResult(p.Recent, ResultLoss)
	}
	p.Recent = PushResult(p.Recent, ResultWin)

	assert.Len(t, p.Recent, RecentWindow)
	assert.True(t, p.WinRate().Equal(decimal.NewFromInt(5)), "rate %s", p.WinRate())
}

func TestWinRate_FallsBackToLifetime(t *testing.T) {
	assert.True(t, Player{MatchesPlayed: 20, Wins: 11}.WinRate().Equal(decimal.NewFromInt(55)))
	assert.True(t, Player{}.WinRate().IsZero())
	assert.False(t, Player{}.Rated())
	assert.True(t, Player{Recent: "D"}.Rated())
}

func TestPushResult_KeepsLatestInOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		results := rapid.SliceOf(rapid.SampledFrom([]byte{ResultWin, ResultLoss, ResultDraw})).Draw(t, "results")
		var recent string
		for _, r := range results {
			recent = PushResult(recent, r)
		}
		all := string(results)
		if len(all) > RecentWindow {
			all = all[len(all)-RecentWindow:]
		}
		assert.Equal(t, all, recent)

		rate := Player{Recent: recent}.WinRate()
		assert.True(t, rate.GreaterThanOrEqual(decimal.Zero) && rate.LessThanOrEqual(decimal.NewFromInt(100)))
		if recent != "" {
			want := decimal.NewFromInt(int64(strings.Count(recent, "W") * 100)).Div(decimal.NewFromInt(int64(len(recent))))
			assert.True(t, rate.Equal(want))
		}
	})
}
