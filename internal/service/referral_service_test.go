package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/WellyBot/internal/config"
	"github.com/digkill/WellyBot/internal/repository"
)

func TestParseReferrer(t *testing.T) {
	tests := []struct {
		arg  string
		want int64
		ok   bool
	}{
		{arg: "ref_123", want: 123, ok: true},
		{arg: " ref_7 ", want: 7, ok: true},
		{arg: "ref_", ok: false},
		{arg: "ref_-1", ok: false},
		{arg: "ref_12a", ok: false},
		{arg: "123", ok: false},
		{arg: "", ok: false},
	}
	for _, tt := range tests {
		got, ok := ParseReferrer(tt.arg)
		assert.Equal(t, tt.ok, ok, tt.arg)
		assert.Equal(t, tt.want, got, tt.arg)
	}
	id, ok := ParseReferrer(ReferralPayload(55))
	assert.True(t, ok)
	assert.EqualValues(t, 55, id)
}

func TestRegisterAndReferralBonus(t *testing.T) {
	db := openTestDB(t)
	users := repository.NewUserRepository(db)
	userService := NewUserService(users, 1)
	referrals := NewReferralService(users, NewCreditLedger(users), 2)
	ctx := context.Background()

	referrer, created, err := userService.Register(ctx, 10, "alice", "Alice", nil)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, 1, referrer.Generations)

	referrerID := int64(10)
	invitee, created, err := userService.Register(ctx, 20, "bob", "Bob", &referrerID)
	require.NoError(t, err)
	require.True(t, created)
	require.NotNil(t, invitee.ReferredBy)

	granted, err := referrals.GrantBonus(ctx, 20, referrerID)
	require.NoError(t, err)
	assert.True(t, granted)
	granted, err = referrals.GrantBonus(ctx, 20, referrerID)
	require.NoError(t, err)
	assert.False(t, granted, "bonus is paid once per invitee")

	balance, err := users.GetBalance(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, balance)

	invited, earned, err := referrals.Stats(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, invited)
	assert.Equal(t, 2, earned)

	self, _, err := userService.Register(ctx, 30, "", "", func() *int64 { v := int64(30); return &v }())
	require.NoError(t, err)
	assert.Nil(t, self.ReferredBy)
	granted, err = referrals.GrantBonus(ctx, 30, 30)
	require.NoError(t, err)
	assert.False(t, granted)
}

func TestRegisterIgnoresUnknownReferrer(t *testing.T) {
	users := repository.NewUserRepository(openTestDB(t))
	userService := NewUserService(users, 1)
	ctx := context.Background()

	ghost := int64(999)
	user, created, err := userService.Register(ctx, 20, "bob", "Bob", &ghost)
	require.NoError(t, err)
	require.True(t, created)
	assert.Nil(t, user.ReferredBy)

	invited, err := users.CountReferrals(ctx, ghost)
	require.NoError(t, err)
	assert.Zero(t, invited)
}

func TestLedgerRejectsNonPositive(t *testing.T) {
	users := repository.NewUserRepository(openTestDB(t))
	ledger := NewCreditLedger(users)
	seedUser(t, users, 1, 0)

	assert.ErrorIs(t, ledger.AddCredits(context.Background(), 1, 0), ErrInvalidAmount)
	assert.ErrorIs(t, ledger.AddCredits(context.Background(), 1, -3), ErrInvalidAmount)
	require.NoError(t, ledger.AddCredits(context.Background(), 1, 3))

	ok, err := ledger.ConsumeOne(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, ok)
	balance, err := ledger.Balance(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 2, balance)
}

func TestPackageServiceSeedsOnce(t *testing.T) {
	repo := repository.NewPackageRepository(openTestDB(t))
	svc := NewPackageService(repo, "RUB", config.DefaultPackages("RUB"))
	ctx := context.Background()

	require.NoError(t, svc.EnsureDefaults(ctx))
	require.NoError(t, svc.EnsureDefaults(ctx))
	list, err := svc.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []int{5, 10, 100}, []int{list[0].Generations, list[1].Generations, list[2].Generations})
	assert.Equal(t, []int{99, 169, 799}, []int{list[0].Price, list[1].Price, list[2].Price})

	inactive := false
	_, err = svc.Update(ctx, list[2].ID, UpdatePackageInput{IsActive: &inactive})
	require.NoError(t, err)
	_, err = svc.Get(ctx, 100)
	assert.ErrorIs(t, err, ErrUnknownPackage)

	_, err = svc.Update(ctx, 999, UpdatePackageInput{})
	assert.ErrorIs(t, err, ErrPackageNotFound)

	created, err := svc.Create(ctx, CreatePackageInput{Generations: 50, Price: 450})
	require.NoError(t, err)
	assert.Equal(t, "RUB", created.Currency)
	assert.True(t, created.IsActive)
}
