package amp

import (
	"context"
	"fmt"
	"sync"

	"github.com/aura-labs/aura"
	"github.com/aura-labs/aura/internal/wire"
	"github.com/aura-labs/aura/storage"
	"go.dedis.ch/onet/v3/log"
)

// WindowSize is how many generations behind the newest one a receiver
// still accepts.
const WindowSize = 1024

// EpochMismatchError tells the receiver of a message from another channel
// epoch to run anti-entropy before trying again.
type EpochMismatchError struct {
	Local, Remote uint64
}

func (e *EpochMismatchError) Error() string {
	return fmt.Sprintf("channel epoch %d, message from epoch %d: sync first", e.Local, e.Remote)
}

// Kind makes the error resolvable with aura.KindOf.
func (e *EpochMismatchError) Kind() aura.Kind {
	return aura.KindEpochMismatch
}

// Window remembers the generations received in an epoch. Only the last
// WindowSize generations are tracked; older ones are refused.
type Window struct {
	Top  uint64                  `cbor:"1,keyasint"`
	Any  bool                    `cbor:"2,keyasint"`
	Bits [WindowSize / 64]uint64 `cbor:"3,keyasint"`
}

func (w *Window) bit(gen uint64) (int, uint64) {
	i := gen % WindowSize
	return int(i / 64), 1 << (i % 64)
}

// Check returns an error if gen was seen or fell out of the window.
func (w *Window) Check(gen uint64) error {
	if !w.Any || gen > w.Top {
		return nil
	}
	if w.Top-gen >= WindowSize {
		return aura.Errorf(aura.KindInvalid, "generation %d is too old, newest is %d", gen, w.Top)
	}
	word, mask := w.bit(gen)
	if w.Bits[word]&mask != 0 {
		return aura.Errorf(aura.KindInvalid, "generation %d replayed", gen)
	}
	return nil
}

// Mark records gen. Check must have passed.
func (w *Window) Mark(gen uint64) {
	if !w.Any {
		w.Any = true
		w.Top = gen
	} else if gen > w.Top {
		if gen-w.Top >= WindowSize {
			w.Bits = [WindowSize / 64]uint64{}
		} else {
			for g := w.Top + 1; g < gen; g++ {
				word, mask := w.bit(g)
				w.Bits[word] &^= mask
			}
		}
		w.Top = gen
	}
	word, mask := w.bit(gen)
	w.Bits[word] |= mask
}

// State is the persisted state of a channel end.
type State struct {
	Context aura.ContextID `cbor:"1,keyasint"`
	Channel aura.ChannelID `cbor:"2,keyasint"`
	Secret  []byte         `cbor:"3,keyasint"`
	Epoch   uint64         `cbor:"4,keyasint"`
	SendGen uint64         `cbor:"5,keyasint"`
	Recv    Window         `cbor:"6,keyasint"`
}

// Channel is one end of a channel. The sender's generation counter and
// the receiver's window are single writer, guarded by the channel lock.
type Channel struct {
	sync.Mutex
	st     State
	master []byte
}

// NewChannel opens a channel end at the given epoch.
func NewChannel(ctx aura.ContextID, ch aura.ChannelID, secret []byte, epoch uint64) (*Channel, error) {
	c := &Channel{st: State{Context: ctx, Channel: ch, Secret: append([]byte{}, secret...), Epoch: epoch}}
	if err := c.rekey(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Channel) rekey() error {
	m, err := EpochKey(c.st.Secret, c.st.Epoch)
	if err != nil {
		return err
	}
	c.master = m
	return nil
}

// ID returns the channel id.
func (c *Channel) ID() aura.ChannelID {
	return c.st.Channel
}

// Epoch returns the channel epoch.
func (c *Channel) Epoch() uint64 {
	c.Lock()
	defer c.Unlock()
	return c.st.Epoch
}

// Seal encrypts plaintext with the next generation.
func (c *Channel) Seal(plaintext []byte) (*Message, error) {
	c.Lock()
	defer c.Unlock()
	h := Header{Context: c.st.Context, Channel: c.st.Channel, ChanEpoch: c.st.Epoch, RatchetGen: c.st.SendGen}
	ct, err := Seal(c.master, h, plaintext)
	if err != nil {
		return nil, err
	}
	c.st.SendGen++
	return &Message{SchemaVersion: SchemaVersion, Header: h, Payload: ct}, nil
}

// Open decrypts m. Failures concern the message only: the channel stays
// usable.
func (c *Channel) Open(m *Message) ([]byte, error) {
	c.Lock()
	defer c.Unlock()
	h := m.Header
	if h.Context != c.st.Context || h.Channel != c.st.Channel {
		return nil, aura.Errorf(aura.KindInvalid, "message for channel %s", h.Channel.Short())
	}
	if h.ChanEpoch != c.st.Epoch {
		return nil, &EpochMismatchError{Local: c.st.Epoch, Remote: h.ChanEpoch}
	}
	if err := c.st.Recv.Check(h.RatchetGen); err != nil {
		return nil, err
	}
	pt, err := Open(c.master, h, m.Payload)
	if err != nil {
		log.Lvlf2("channel %s: dropping generation %d: %v", c.st.Channel.Short(), h.RatchetGen, err)
		return nil, err
	}
	c.st.Recv.Mark(h.RatchetGen)
	return pt, nil
}

// AdvanceEpoch moves to a newer epoch and restarts the generations.
func (c *Channel) AdvanceEpoch(epoch uint64) error {
	c.Lock()
	defer c.Unlock()
	if epoch <= c.st.Epoch {
		return aura.Errorf(aura.KindInvalid, "channel epoch %d is not after %d", epoch, c.st.Epoch)
	}
	old := c.st.Epoch
	c.st.Epoch = epoch
	if err := c.rekey(); err != nil {
		c.st.Epoch = old
		return err
	}
	c.st.SendGen = 0
	c.st.Recv = Window{}
	log.Lvlf2("channel %s: epoch %d -> %d", c.st.Channel.Short(), old, epoch)
	return nil
}

// Key returns accounts/{account}/channels/{channel_id}.cbor.
func Key(account aura.AuthorityID, ch aura.ChannelID) string {
	return storage.AccountKey(account, "channels", ch.String()+".cbor")
}

// Save persists the channel under account.
func (c *Channel) Save(ctx context.Context, s storage.Storage, account aura.AuthorityID) error {
	c.Lock()
	buf, err := wire.Marshal(&c.st)
	c.Unlock()
	if err != nil {
		return err
	}
	return s.Write(ctx, Key(account, c.st.Channel), buf)
}

// Load restores a channel saved by Save.
func Load(ctx context.Context, s storage.Storage, account aura.AuthorityID, ch aura.ChannelID) (*Channel, error) {
	buf, ok, err := s.Read(ctx, Key(account, ch))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, aura.Errorf(aura.KindNotFound, "no channel %s", ch.Short())
	}
	c := &Channel{}
	if err := wire.Unmarshal(buf, &c.st); err != nil {
		return nil, err
	}
	if c.st.Channel != ch {
		return nil, aura.Errorf(aura.KindInvalidFormat, "stored channel %s under %s", c.st.Channel.Short(), ch.Short())
	}
	if err := c.rekey(); err != nil {
		return nil, err
	}
	return c, nil
}
