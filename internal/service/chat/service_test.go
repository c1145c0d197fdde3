package chat

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"skillswap-backend/internal/domain"
	"skillswap-backend/pkg/constants"
	"skillswap-backend/pkg/errors"
	"skillswap-backend/pkg/protocol"
	"skillswap-backend/pkg/resilience"
)

// Mocks
type MockMessageRepository struct {
	mock.Mock
}

func (m *MockMessageRepository) Save(ctx context.Context, message *domain.ChatMessage) error {
	args := m.Called(ctx, message)
	return args.Error(0)
}

func (m *MockMessageRepository) History(ctx context.Context, userA, userB string, limit int) ([]*domain.ChatMessage, error) {
	args := m.Called(ctx, userA, userB, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.ChatMessage), args.Error(1)
}

type MockDeliverer struct {
	mock.Mock
}

func (m *MockDeliverer) Send(userID string, msg *protocol.Message) error {
	args := m.Called(userID, msg)
	return args.Error(0)
}

// memoryClaimer mirrors the Redis claim semantics
type memoryClaimer struct {
	mu       sync.Mutex
	claims   map[string]domain.MessageClaim
	released []string
}

func newMemoryClaimer() *memoryClaimer {
	return &memoryClaimer{claims: make(map[string]domain.MessageClaim)}
}

func (c *memoryClaimer) Claim(_ context.Context, senderID, tempID, candidateID string) (domain.MessageClaim, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := senderID + ":" + tempID
	if claim, ok := c.claims[key]; ok {
		return domain.MessageClaim{ID: claim.ID, Committed: claim.Committed}, nil
	}
	c.claims[key] = domain.MessageClaim{ID: candidateID}
	return domain.MessageClaim{ID: candidateID, Fresh: true}, nil
}

func (c *memoryClaimer) Commit(_ context.Context, senderID, tempID, messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claims[senderID+":"+tempID] = domain.MessageClaim{ID: messageID, Committed: true}
	return nil
}

func (c *memoryClaimer) Release(_ context.Context, senderID, tempID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := senderID + ":" + tempID
	delete(c.claims, key)
	c.released = append(c.released, key)
}

// hold leaves an uncommitted claim, as another instance mid-save would
func (c *memoryClaimer) hold(senderID, tempID, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.claims[senderID+":"+tempID] = domain.MessageClaim{ID: messageID}
}

func newTestService(repo MessageRepository, claimer IDClaimer, deliverer Deliverer) *Service {
	svc := NewService(repo, claimer, deliverer, resilience.Config{
		Name:         "test_messages",
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
	})
	var seq atomic.Int64
	svc.newID = func() string { return fmt.Sprintf("msg-%d", seq.Add(1)) }
	return svc
}

func TestSend_PersistsAndDelivers(t *testing.T) {
	repo := new(MockMessageRepository)
	deliverer := new(MockDeliverer)
	svc := newTestService(repo, newMemoryClaimer(), deliverer)

	repo.On("Save", mock.Anything, mock.MatchedBy(func(m *domain.ChatMessage) bool {
		return m.ID == "msg-1" && m.TempID == "tmp-1" && m.Text == "hola"
	})).Return(nil).Once()
	deliverer.On("Send", "bob", mock.MatchedBy(func(m *protocol.Message) bool {
		return m.Type == protocol.TypeReceiveMessage && m.MessageID == "msg-1" && m.SenderID == "alice"
	})).Return(nil).Once()

	out, err := svc.Send(context.Background(), &SendInput{
		SenderID: "alice", ReceiverID: "bob", Text: "hola", TempID: "tmp-1", Path: PathSocket,
	})

	require.NoError(t, err)
	assert.False(t, out.Duplicate)
	assert.Equal(t, "msg-1", out.Message.ID)
	assert.Equal(t, domain.DeliveryConfirmed, out.Message.DeliveryState)
	repo.AssertExpectations(t)
	deliverer.AssertExpectations(t)
}

func TestSend_DuplicateReturnsCanonicalID(t *testing.T) {
	repo := new(MockMessageRepository)
	deliverer := new(MockDeliverer)
	svc := newTestService(repo, newMemoryClaimer(), deliverer)

	repo.On("Save", mock.Anything, mock.Anything).Return(nil).Once()
	deliverer.On("Send", "bob", mock.Anything).Return(nil).Once()

	in := SendInput{SenderID: "alice", ReceiverID: "bob", Text: "hola", TempID: "tmp-1"}

	first, err := svc.Send(context.Background(), &SendInput{SenderID: in.SenderID, ReceiverID: in.ReceiverID, Text: in.Text, TempID: in.TempID, Path: PathSocket})
	require.NoError(t, err)
	second, err := svc.Send(context.Background(), &SendInput{SenderID: in.SenderID, ReceiverID: in.ReceiverID, Text: in.Text, TempID: in.TempID, Path: PathDurable})
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Message.ID, second.Message.ID)
	repo.AssertNumberOfCalls(t, "Save", 1)
	deliverer.AssertNumberOfCalls(t, "Send", 1)
}

func TestSend_ConcurrentPathsStoreOnce(t *testing.T) {
	repo := new(MockMessageRepository)
	deliverer := new(MockDeliverer)
	svc := newTestService(repo, newMemoryClaimer(), deliverer)

	repo.On("Save", mock.Anything, mock.Anything).Return(nil)
	deliverer.On("Send", mock.Anything, mock.Anything).Return(nil)

	var wg sync.WaitGroup
	ids := make([]string, 2)
	for i, path := range []Path{PathSocket, PathDurable} {
		wg.Add(1)
		go func(i int, path Path) {
			defer wg.Done()
			out, err := svc.Send(context.Background(), &SendInput{
				SenderID: "alice", ReceiverID: "bob", Text: "hi", TempID: "tmp-9", Path: path,
			})
			if assert.NoError(t, err) {
				ids[i] = out.Message.ID
			}
		}(i, path)
	}
	wg.Wait()

	assert.Equal(t, ids[0], ids[1])
	repo.AssertNumberOfCalls(t, "Save", 1)
}

func TestSend_PersistFailureReleasesClaim(t *testing.T) {
	repo := new(MockMessageRepository)
	deliverer := new(MockDeliverer)
	claimer := newMemoryClaimer()
	svc := newTestService(repo, claimer, deliverer)

	repo.On("Save", mock.Anything, mock.Anything).Return(stderrors.New("no hosts available")).Times(2)

	_, err := svc.Send(context.Background(), &SendInput{
		SenderID: "alice", ReceiverID: "bob", Text: "hola", TempID: "tmp-1",
	})

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeDurableWriteFailure))
	assert.Equal(t, []string{"alice:tmp-1"}, claimer.released)
	deliverer.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)

	// A resend after the outage is stored normally
	repo.On("Save", mock.Anything, mock.Anything).Return(nil).Once()
	deliverer.On("Send", "bob", mock.Anything).Return(nil).Once()

	out, err := svc.Send(context.Background(), &SendInput{
		SenderID: "alice", ReceiverID: "bob", Text: "hola", TempID: "tmp-1",
	})
	require.NoError(t, err)
	assert.False(t, out.Duplicate)
}

func TestSend_ConcurrentPathsFailTogether(t *testing.T) {
	repo := new(MockMessageRepository)
	deliverer := new(MockDeliverer)
	svc := newTestService(repo, newMemoryClaimer(), deliverer)

	var saves atomic.Int32
	repo.On("Save", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			saves.Add(1)
			time.Sleep(50 * time.Millisecond)
		}).
		Return(stderrors.New("no hosts available"))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	outs := make([]*SendOutput, 2)
	for i, path := range []Path{PathSocket, PathDurable} {
		wg.Add(1)
		go func(i int, path Path) {
			defer wg.Done()
			outs[i], errs[i] = svc.Send(context.Background(), &SendInput{
				SenderID: "alice", ReceiverID: "bob", Text: "hola", TempID: "tmp-1", Path: path,
			})
		}(i, path)
	}
	wg.Wait()

	for i := range errs {
		require.Error(t, errs[i], "no path may report a message that was never stored")
		assert.True(t, errors.HasCode(errs[i], errors.ErrCodeDurableWriteFailure))
		assert.Nil(t, outs[i])
	}
	assert.GreaterOrEqual(t, saves.Load(), int32(2))
	deliverer.AssertNotCalled(t, "Send", mock.Anything, mock.Anything)
}

func TestSend_DuplicateWaitsForStore(t *testing.T) {
	repo := new(MockMessageRepository)
	deliverer := new(MockDeliverer)
	svc := newTestService(repo, newMemoryClaimer(), deliverer)

	saving := make(chan struct{})
	unblock := make(chan struct{})
	repo.On("Save", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			close(saving)
			<-unblock
		}).
		Return(nil).Once()
	deliverer.On("Send", "bob", mock.Anything).Return(nil).Once()

	first := make(chan *SendOutput, 1)
	go func() {
		out, err := svc.Send(context.Background(), &SendInput{
			SenderID: "alice", ReceiverID: "bob", Text: "hola", TempID: "tmp-1", Path: PathSocket,
		})
		assert.NoError(t, err)
		first <- out
	}()
	<-saving

	second := make(chan *SendOutput, 1)
	go func() {
		out, err := svc.Send(context.Background(), &SendInput{
			SenderID: "alice", ReceiverID: "bob", Text: "hola", TempID: "tmp-1", Path: PathDurable,
		})
		assert.NoError(t, err)
		second <- out
	}()

	select {
	case <-second:
		t.Fatal("duplicate answered before the message was stored")
	case <-time.After(30 * time.Millisecond):
	}

	close(unblock)
	a, b := <-first, <-second
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Equal(t, a.Message.ID, b.Message.ID)
	assert.True(t, a.Duplicate != b.Duplicate, "exactly one submission stores the message")
	repo.AssertNumberOfCalls(t, "Save", 1)
}

func TestSend_WaitsOnUncommittedClaim(t *testing.T) {
	repo := new(MockMessageRepository)
	deliverer := new(MockDeliverer)
	claimer := newMemoryClaimer()
	svc := newTestService(repo, claimer, deliverer)

	claimer.hold("alice", "tmp-1", "msg-remote")
	go func() {
		time.Sleep(40 * time.Millisecond)
		_ = claimer.Commit(context.Background(), "alice", "tmp-1", "msg-remote")
	}()

	out, err := svc.Send(context.Background(), &SendInput{
		SenderID: "alice", ReceiverID: "bob", Text: "hola", TempID: "tmp-1",
	})

	require.NoError(t, err)
	assert.True(t, out.Duplicate)
	assert.Equal(t, "msg-remote", out.Message.ID)
	repo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestSend_TakesOverReleasedClaim(t *testing.T) {
	repo := new(MockMessageRepository)
	deliverer := new(MockDeliverer)
	claimer := newMemoryClaimer()
	svc := newTestService(repo, claimer, deliverer)

	repo.On("Save", mock.Anything, mock.Anything).Return(nil).Once()
	deliverer.On("Send", "bob", mock.Anything).Return(nil).Once()

	claimer.hold("alice", "tmp-1", "msg-remote")
	go func() {
		time.Sleep(40 * time.Millisecond)
		claimer.Release(context.Background(), "alice", "tmp-1")
	}()

	out, err := svc.Send(context.Background(), &SendInput{
		SenderID: "alice", ReceiverID: "bob", Text: "hola", TempID: "tmp-1",
	})

	require.NoError(t, err)
	assert.False(t, out.Duplicate)
	assert.Equal(t, "msg-1", out.Message.ID)
	repo.AssertExpectations(t)
}

func TestSend_UncommittedClaimTimesOut(t *testing.T) {
	repo := new(MockMessageRepository)
	claimer := newMemoryClaimer()
	svc := newTestService(repo, claimer, new(MockDeliverer))
	svc.claimWait = 60 * time.Millisecond

	claimer.hold("alice", "tmp-1", "msg-remote")

	_, err := svc.Send(context.Background(), &SendInput{
		SenderID: "alice", ReceiverID: "bob", Text: "hola", TempID: "tmp-1",
	})

	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeDurableWriteFailure))
}

func TestSend_OfflineReceiverStillSucceeds(t *testing.T) {
	repo := new(MockMessageRepository)
	deliverer := new(MockDeliverer)
	svc := newTestService(repo, newMemoryClaimer(), deliverer)

	repo.On("Save", mock.Anything, mock.Anything).Return(nil).Once()
	deliverer.On("Send", "bob", mock.Anything).Return(stderrors.New("not connected")).Once()

	out, err := svc.Send(context.Background(), &SendInput{
		SenderID: "alice", ReceiverID: "bob", Text: "later", TempID: "tmp-2",
	})

	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryConfirmed, out.Message.DeliveryState)
}

func TestSend_Validation(t *testing.T) {
	svc := newTestService(new(MockMessageRepository), newMemoryClaimer(), new(MockDeliverer))

	tests := []struct {
		name  string
		input SendInput
		code  errors.ErrorCode
	}{
		{"missing sender", SendInput{ReceiverID: "bob", Text: "x", TempID: "t"}, errors.ErrCodeUnauthorized},
		{"missing receiver", SendInput{SenderID: "alice", Text: "x", TempID: "t"}, errors.ErrCodeMissingField},
		{"missing temp id", SendInput{SenderID: "alice", ReceiverID: "bob", Text: "x"}, errors.ErrCodeMissingField},
		{"blank text", SendInput{SenderID: "alice", ReceiverID: "bob", Text: "   ", TempID: "t"}, errors.ErrCodeMissingField},
		{"self", SendInput{SenderID: "alice", ReceiverID: "alice", Text: "x", TempID: "t"}, errors.ErrCodeValidation},
		{"too long", SendInput{SenderID: "alice", ReceiverID: "bob", Text: strings.Repeat("a", constants.MaxMessageLength+1), TempID: "t"}, errors.ErrCodeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input := tt.input
			_, err := svc.Send(context.Background(), &input)
			assert.True(t, errors.HasCode(err, tt.code), "got %v", err)
		})
	}
}

func TestHistory(t *testing.T) {
	repo := new(MockMessageRepository)
	svc := newTestService(repo, newMemoryClaimer(), new(MockDeliverer))

	repo.On("History", mock.Anything, "alice", "bob", constants.DefaultPageSize).Return(nil, nil).Once()

	messages, err := svc.History(context.Background(), "alice", "bob", 0)
	require.NoError(t, err)
	assert.NotNil(t, messages)
	assert.Empty(t, messages)

	repo.On("History", mock.Anything, "alice", "bob", 5).Return(nil, stderrors.New("timeout")).Once()
	_, err = svc.History(context.Background(), "alice", "bob", 5)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInternal))
}
