package client

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"fuelq-chat/protocol"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

type Kind string

const (
	KindText Kind = "text"
	KindFile Kind = "file"
)

var (
	ErrUnknownEntry = errors.New("no such message")
	ErrNotFailed    = errors.New("message has not failed")
)

// Attachment is a file waiting to be uploaded.
type Attachment struct {
	Name string
	Data []byte
}

// MessageSender delivers messages over REST. *HTTPAPI satisfies it.
type MessageSender interface {
	SendMessage(ctx context.Context, conv protocol.Conversation, text, clientID string) (protocol.Message, error)
	Upload(ctx context.Context, conv protocol.Conversation, file Attachment, text, clientID string) (protocol.UploadResult, error)
}

// Entry is one rendered message. TempID is set for messages sent from this
// client, ID once the server has stored it.
type Entry struct {
	TempID       string
	ID           uint
	Conversation protocol.Conversation
	Text         string
	File         *protocol.File
	Status       Status
	Err          error
	Message      protocol.Message

	upload *Attachment
}

func (e Entry) Kind() Kind {
	if e.File != nil || e.upload != nil {
		return KindFile
	}
	return KindText
}

type conversationLog struct {
	entries []*Entry
}

// Reconciler keeps the rendered state of every conversation. An entry is
// never removed, and once it carries a durable id no second entry for that
// id is created.
type Reconciler struct {
	self   uint
	sender MessageSender
	now    func() time.Time

	mu     sync.Mutex
	seq    uint64
	convs  map[string]*conversationLog
	byTemp map[string]*Entry
	byID   map[uint]*Entry
}

func NewReconciler(self uint, sender MessageSender) *Reconciler {
	return &Reconciler{
		self:   self,
		sender: sender,
		now:    time.Now,
		convs:  make(map[string]*conversationLog),
		byTemp: make(map[string]*Entry),
		byID:   make(map[uint]*Entry),
	}
}

func (r *Reconciler) log(key string) *conversationLog {
	l, ok := r.convs[key]
	if !ok {
		l = &conversationLog{}
		r.convs[key] = l
	}
	return l
}

func (r *Reconciler) tempID() string {
	r.seq++
	return fmt.Sprintf("tmp-%d-%d", r.now().UnixNano(), r.seq)
}

// render adds a pending entry for content about to be sent.
func (r *Reconciler) render(conv protocol.Conversation, text string, file *Attachment) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &Entry{
		TempID:       r.tempID(),
		Conversation: conv,
		Text:         text,
		Status:       StatusPending,
		upload:       file,
	}
	r.byTemp[e.TempID] = e
	l := r.log(conv.Key(r.self))
	l.entries = append(l.entries, e)
	return e
}

// Send renders the message right away and then delivers it. A failed
// delivery leaves the entry in place, marked failed.
func (r *Reconciler) Send(ctx context.Context, conv protocol.Conversation, text string) (Entry, error) {
	if err := conv.Validate(); err != nil {
		return Entry{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Entry{}, protocol.ErrEmptyMessage
	}
	return r.deliver(ctx, r.render(conv, text, nil))
}

func (r *Reconciler) SendFile(ctx context.Context, conv protocol.Conversation, file Attachment, caption string) (Entry, error) {
	if err := conv.Validate(); err != nil {
		return Entry{}, err
	}
	if len(file.Data) > protocol.MaxUploadBytes {
		return Entry{}, protocol.ErrFileTooLarge
	}
	return r.deliver(ctx, r.render(conv, strings.TrimSpace(caption), &file))
}

// Retry resends a failed entry with its original content and temporary id.
func (r *Reconciler) Retry(ctx context.Context, tempID string) (Entry, error) {
	r.mu.Lock()
	e, ok := r.byTemp[tempID]
	if !ok {
		r.mu.Unlock()
		return Entry{}, ErrUnknownEntry
	}
	if e.Status != StatusFailed {
		snapshot := *e
		r.mu.Unlock()
		return snapshot, ErrNotFailed
	}
	e.Status = StatusPending
	e.Err = nil
	r.mu.Unlock()
	return r.deliver(ctx, e)
}

func (r *Reconciler) deliver(ctx context.Context, e *Entry) (Entry, error) {
	r.mu.Lock()
	conv, text, upload, tempID := e.Conversation, e.Text, e.upload, e.TempID
	r.mu.Unlock()

	var (
		msg protocol.Message
		err error
	)
	if upload != nil {
		var res protocol.UploadResult
		res, err = r.sender.Upload(ctx, conv, *upload, text, tempID)
		msg = res.Message
	} else {
		msg, err = r.sender.SendMessage(ctx, conv, text, tempID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		// The push may have confirmed it while the response was lost.
		if e.ID == 0 {
			e.Status = StatusFailed
			e.Err = err
		}
		return *e, err
	}
	r.confirm(e, msg)
	return *e, nil
}

func (r *Reconciler) confirm(e *Entry, msg protocol.Message) {
	if e.ID != 0 && e.ID != msg.ID {
		return
	}
	e.ID = msg.ID
	e.Status = StatusSent
	e.Err = nil
	e.Text = msg.Text
	e.File = msg.File
	e.Message = msg
	e.upload = nil
	r.byID[msg.ID] = e
}

// Receive merges a message from a push or a history page. It matches the
// temporary id first, then the durable id, and appends otherwise.
func (r *Reconciler) Receive(msg protocol.Message) Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.receive(msg)
}

func (r *Reconciler) receive(msg protocol.Message) *Entry {
	if msg.ClientID != "" && msg.Author.ID == r.self {
		if e, ok := r.byTemp[msg.ClientID]; ok && (e.ID == 0 || e.ID == msg.ID) {
			r.confirm(e, msg)
			return e
		}
	}
	if e, ok := r.byID[msg.ID]; ok {
		r.confirm(e, msg)
		return e
	}

	conv := msg.Conversation(r.self)
	e := &Entry{Conversation: conv}
	r.confirm(e, msg)
	l := r.log(conv.Key(r.self))
	l.entries = append(l.entries, e)
	return e
}

// Merge receives a history page, used when opening and resyncing.
func (r *Reconciler) Merge(msgs []protocol.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.receive(m)
	}
}

// Entries returns the conversation in display order: stored messages by
// sequence, then whatever is still pending or failed in the order it was sent.
func (r *Reconciler) Entries(conv protocol.Conversation) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.convs[conv.Key(r.self)]
	if !ok {
		return nil
	}
	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		out[i] = *e
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ID == 0 || b.ID == 0 {
			return a.ID != 0 && b.ID == 0
		}
		return a.Message.Seq < b.Message.Seq
	})
	return out
}

// Entry looks up a message sent from this client by its temporary id.
func (r *Reconciler) Entry(tempID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byTemp[tempID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}
