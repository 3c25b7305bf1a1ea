package channel

import (
	"sync"

	"github.com/google/uuid"
)

// LocalScheme 进程内隔离上下文的来源前缀
const LocalScheme = "modulant-frame://"

// Local 进程内通道，隔离上下文运行在同一进程的独立 goroutine 中
type Local struct {
	frame        *Frame
	parentOrigin string

	inbox   chan Envelope
	toFrame chan Envelope
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// NewLocal 创建进程内通道并启动隔离上下文
func NewLocal(cfg FrameConfig) *Local {
	id := uuid.NewString()
	l := &Local{
		parentOrigin: "modulant-parent://" + id,
		inbox:        make(chan Envelope, 64),
		toFrame:      make(chan Envelope, 64),
		done:         make(chan struct{}),
	}
	l.frame = NewFrame(LocalScheme+id, l.parentOrigin, cfg)

	l.wg.Add(1)
	go l.run()
	return l
}

func (l *Local) run() {
	defer l.wg.Done()
	l.frame.Start(l.reply)
	for {
		select {
		case <-l.done:
			return
		case env := <-l.toFrame:
			l.frame.Handle(env, l.reply)
		}
	}
}

func (l *Local) reply(data []byte) error {
	select {
	case <-l.done:
		return ErrClosed
	case l.inbox <- Envelope{Origin: l.frame.Origin(), Data: data}:
		return nil
	}
}

// Origin 隔离上下文来源
func (l *Local) Origin() string { return l.frame.Origin() }

// Post 向隔离上下文发送消息
func (l *Local) Post(data []byte) error {
	return l.deliver(Envelope{Origin: l.parentOrigin, Data: data})
}

// PostAs 以指定来源发送消息，用于模拟其他上下文
func (l *Local) PostAs(origin string, data []byte) error {
	return l.deliver(Envelope{Origin: origin, Data: data})
}

func (l *Local) deliver(env Envelope) error {
	select {
	case <-l.done:
		return ErrClosed
	case l.toFrame <- env:
		return nil
	}
}

// Inbox 来自隔离上下文的消息
func (l *Local) Inbox() <-chan Envelope { return l.inbox }

// Done 通道关闭信号
func (l *Local) Done() <-chan struct{} { return l.done }

// Close 关闭通道并停止隔离上下文
func (l *Local) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.frame.Close()
		l.wg.Wait()
	})
	return nil
}
