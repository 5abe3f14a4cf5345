package claim

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mediafoundry/orchestrator/internal/chain"
	"github.com/mediafoundry/orchestrator/internal/events"
	"github.com/mediafoundry/orchestrator/internal/payment"
	"github.com/mediafoundry/orchestrator/internal/registry"
)

var (
	payeeAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	payerAddr = common.HexToAddress("0xffffffffffffffffffffffffffffffffffffffff")
	channelID = common.HexToHash("0x01")
)

type fakeChain struct {
	state      *chain.ChannelState
	closeCalls int
	emCalls    int
	closeErr   error
}

func (f *fakeChain) GetChannel(_ context.Context, _ common.Hash) (*chain.ChannelState, error) {
	return f.state, nil
}

func (f *fakeChain) CloseChannel(_ context.Context, _ common.Hash, _ *big.Int, _ uint64, _ []byte) (common.Hash, error) {
	f.closeCalls++
	if f.closeErr != nil {
		return common.Hash{}, f.closeErr
	}
	return common.HexToHash("0xcc"), nil
}

func (f *fakeChain) EmergencyClose(_ context.Context, _ common.Hash) (common.Hash, error) {
	f.emCalls++
	return common.HexToHash("0xee"), nil
}

func openState(openedAt, timeout int64) *chain.ChannelState {
	return &chain.ChannelState{
		RequestID:    big.NewInt(1),
		Payer:        payerAddr,
		Payee:        payeeAddr,
		TotalDeposit: big.NewInt(300_000),
		Withdrawn:    big.NewInt(0),
		Nonce:        big.NewInt(0),
		IsOpen:       true,
		OpenedAt:     big.NewInt(openedAt),
		Timeout:      big.NewInt(timeout),
	}
}

func newTestService(t *testing.T, ch *fakeChain) (*Service, registry.Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	reg := registry.NewRedis(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return NewService(ch, reg, events.NewBus(), zap.NewNop()), reg
}

func seedPayment(t *testing.T, reg registry.Registry) payment.Record {
	t.Helper()
	rec := payment.Record{
		ChannelID: channelID,
		RequestID: 1,
		Agent:     payeeAddr,
		Amount:    big.NewInt(300_000),
		Nonce:     0,
		Signature: make([]byte, 65),
		Status:    payment.StatusSigned,
		SignedAt:  time.Now().Unix(),
	}
	if err := reg.RecordPayment(context.Background(), 1, payment.RoleScript, rec); err != nil {
		t.Fatal(err)
	}
	return rec
}

// ── Claim ────────────────────────────────────────────────────────────────────

func TestClaim_HappyPath(t *testing.T) {
	ch := &fakeChain{state: openState(time.Now().Unix(), 3600)}
	svc, reg := newTestService(t, ch)
	seedPayment(t, reg)
	ctx := context.Background()

	res, err := svc.Claim(ctx, 1, payment.RoleScript, payeeAddr)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if ch.closeCalls != 1 {
		t.Errorf("closeCalls: got %d want 1", ch.closeCalls)
	}
	if res.Amount.Int64() != 300_000 || res.Payee != payeeAddr {
		t.Errorf("result: %+v", res)
	}

	rec, err := reg.GetPayment(ctx, 1, payment.RoleScript)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != payment.StatusClaimed {
		t.Errorf("record status after claim: %q", rec.Status)
	}
}

func TestClaim_NoRecord(t *testing.T) {
	svc, _ := newTestService(t, &fakeChain{state: openState(0, 3600)})
	_, err := svc.Claim(context.Background(), 1, payment.RoleScript, payeeAddr)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestClaim_AlreadyClaimed(t *testing.T) {
	ch := &fakeChain{state: openState(time.Now().Unix(), 3600)}
	svc, reg := newTestService(t, ch)
	seedPayment(t, reg)
	ctx := context.Background()

	if _, err := svc.Claim(ctx, 1, payment.RoleScript, payeeAddr); err != nil {
		t.Fatal(err)
	}
	_, err := svc.Claim(ctx, 1, payment.RoleScript, payeeAddr)
	if !errors.Is(err, ErrAlreadyClaimed) {
		t.Errorf("got %v, want ErrAlreadyClaimed", err)
	}
	if ch.closeCalls != 1 {
		t.Errorf("second claim reached the chain: %d close calls", ch.closeCalls)
	}
}

func TestClaim_ChannelClosedOnChain(t *testing.T) {
	state := openState(time.Now().Unix(), 3600)
	state.IsOpen = false
	ch := &fakeChain{state: state}
	svc, reg := newTestService(t, ch)
	seedPayment(t, reg)

	_, err := svc.Claim(context.Background(), 1, payment.RoleScript, payeeAddr)
	if !errors.Is(err, ErrChannelClosed) {
		t.Errorf("got %v, want ErrChannelClosed", err)
	}
	if ch.closeCalls != 0 {
		t.Error("close attempted on a closed channel")
	}
}

func TestClaim_WrongClaimant(t *testing.T) {
	ch := &fakeChain{state: openState(time.Now().Unix(), 3600)}
	svc, reg := newTestService(t, ch)
	seedPayment(t, reg)

	_, err := svc.Claim(context.Background(), 1, payment.RoleScript, payerAddr)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("got %v, want ErrNotAuthorized", err)
	}
	if ch.closeCalls != 0 {
		t.Error("close attempted for a non-payee claimant")
	}
}

func TestClaim_CloseFailureLeavesRecordSigned(t *testing.T) {
	ch := &fakeChain{
		state:    openState(time.Now().Unix(), 3600),
		closeErr: errors.New("execution reverted: invalid signature"),
	}
	svc, reg := newTestService(t, ch)
	seedPayment(t, reg)
	ctx := context.Background()

	if _, err := svc.Claim(ctx, 1, payment.RoleScript, payeeAddr); err == nil {
		t.Fatal("expected error")
	}
	rec, _ := reg.GetPayment(ctx, 1, payment.RoleScript)
	if rec.Status != payment.StatusSigned {
		t.Errorf("record status after failed close: %q", rec.Status)
	}
}

// ── EmergencyClose ───────────────────────────────────────────────────────────

func seedChannels(t *testing.T, reg registry.Registry) {
	t.Helper()
	ids := []common.Hash{channelID, common.HexToHash("0x02"), common.HexToHash("0x03")}
	if err := reg.RecordChannelsOpened(context.Background(), 1, ids); err != nil {
		t.Fatal(err)
	}
}

func TestEmergencyClose_AfterTimeout(t *testing.T) {
	opened := time.Now().Add(-2 * time.Hour).Unix()
	ch := &fakeChain{state: openState(opened, 3600)}
	svc, reg := newTestService(t, ch)
	seedChannels(t, reg)

	res, err := svc.EmergencyClose(context.Background(), 1, payment.RoleScript, payerAddr)
	if err != nil {
		t.Fatalf("EmergencyClose: %v", err)
	}
	if ch.emCalls != 1 {
		t.Errorf("emCalls: got %d want 1", ch.emCalls)
	}
	if res.ChannelID != channelID {
		t.Errorf("channel: got %s", res.ChannelID.Hex())
	}
}

func TestEmergencyClose_BeforeTimeout(t *testing.T) {
	ch := &fakeChain{state: openState(time.Now().Unix(), 3600)}
	svc, reg := newTestService(t, ch)
	seedChannels(t, reg)

	_, err := svc.EmergencyClose(context.Background(), 1, payment.RoleScript, payerAddr)
	if !errors.Is(err, ErrTimeoutNotReached) {
		t.Errorf("got %v, want ErrTimeoutNotReached", err)
	}
	if ch.emCalls != 0 {
		t.Error("emergency close reached the chain before timeout")
	}
}

func TestEmergencyClose_OnlyPayer(t *testing.T) {
	opened := time.Now().Add(-2 * time.Hour).Unix()
	ch := &fakeChain{state: openState(opened, 3600)}
	svc, reg := newTestService(t, ch)
	seedChannels(t, reg)

	_, err := svc.EmergencyClose(context.Background(), 1, payment.RoleScript, payeeAddr)
	if !errors.Is(err, ErrNotAuthorized) {
		t.Errorf("got %v, want ErrNotAuthorized", err)
	}
}

func TestEmergencyClose_NoChannels(t *testing.T) {
	svc, _ := newTestService(t, &fakeChain{state: openState(0, 3600)})
	_, err := svc.EmergencyClose(context.Background(), 9, payment.RoleScript, payerAddr)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}
