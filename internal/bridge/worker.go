package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
	"github.com/teris-io/shortid"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/ministudio/internal/feed"
	"github.com/MarcoPoloResearchLab/ministudio/internal/studio"
	"github.com/MarcoPoloResearchLab/ministudio/internal/swarm"
)

const (
	maxLineBytes    = 1 << 20
	readBufferSize  = 64 * 1024
	timestampLayout = "2006-01-02T15:04:05.000Z"
)

// Config wires a Worker to the network and filesystem it drives rooms on.
type Config struct {
	Swarm swarm.Swarm
	// Fs removes room storage on reset. Defaults to the OS filesystem.
	Fs               afero.Fs
	BlobFs           afero.Fs
	SourceFs         afero.Fs
	Namespace        string
	PublisherAddress string
	KeyPollInterval  time.Duration
	KeyTimeout       time.Duration
	Logger           *zap.Logger
	Clock            func() time.Time
	NewID            func() (string, error)
}

// Worker serves protocol sessions. Each Serve call owns at most one room.
type Worker struct {
	cfg      Config
	logger   *zap.Logger
	validate *validator.Validate
}

// NewWorker constructs a Worker with defaults filled in.
func NewWorker(cfg Config) *Worker {
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = shortid.Generate
	}
	return &Worker{
		cfg:      cfg,
		logger:   cfg.Logger,
		validate: newValidator(),
	}
}

// Serve reads requests from in and writes pushes to out until in ends, ctx is
// cancelled, or a request handler faults. Request failures become error pushes
// and never end the session.
func (w *Worker) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s := &session{worker: w, logger: w.logger, out: &lineWriter{w: out}}
	defer s.closeRoom()

	lines := make(chan inbound)
	readErr := make(chan error, 1)
	go func() {
		readErr <- readLines(ctx, in, lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message, ok := <-lines:
			if !ok {
				return <-readErr
			}
			if message.oversized {
				if err := s.report("read", ErrMessageTooLarge); err != nil {
					return err
				}
				continue
			}
			if err := s.handleLine(ctx, message.line); err != nil {
				return err
			}
		case change, ok := <-s.changes:
			if !ok {
				s.changes = nil
				continue
			}
			if err := s.handleChange(ctx, change); err != nil {
				return err
			}
		}
	}
}

// inbound is one framed line. Lines over maxLineBytes are dropped and only
// flagged.
type inbound struct {
	line      []byte
	oversized bool
}

// readLines frames in into trimmed non-empty lines and closes lines when in ends.
func readLines(ctx context.Context, in io.Reader, lines chan<- inbound) error {
	defer close(lines)
	reader := bufio.NewReaderSize(in, readBufferSize)
	var pending []byte
	oversized := false
	for {
		chunk, err := reader.ReadSlice('\n')
		if !oversized {
			if len(pending)+len(chunk) > maxLineBytes {
				oversized = true
				pending = pending[:0]
			} else {
				pending = append(pending, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}

		line := bytes.TrimSpace(pending)
		if oversized || len(line) > 0 {
			message := inbound{oversized: oversized}
			if !oversized {
				message.line = bytes.Clone(line)
			}
			select {
			case lines <- message:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		pending = pending[:0]
		oversized = false

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

type lineWriter struct {
	mu  sync.Mutex
	w   io.Writer
	err error
}

func (l *lineWriter) write(tag string, data any) error {
	line, err := encodeLine(tag, data)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	if _, err := l.w.Write(line); err != nil {
		l.err = err
	}
	return l.err
}

func (l *lineWriter) failed() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

type session struct {
	worker *Worker
	logger *zap.Logger
	out    *lineWriter

	room        *studio.Room
	changes     <-chan feed.Change
	unsubscribe func()
}

// handleLine runs one request. It returns an error only when the session has
// to end.
func (s *session) handleLine(ctx context.Context, line []byte) (err error) {
	defer s.recoverFatal(&err)

	var envelope Envelope
	if decodeErr := json.Unmarshal(line, &envelope); decodeErr != nil {
		return s.report("decode", fmt.Errorf("%w: %v", ErrMalformedMessage, decodeErr))
	}
	if !envelope.NoLog() {
		if writeErr := s.out.write(TagLog, envelope); writeErr != nil {
			return writeErr
		}
	}
	return s.report(envelope.Tag, s.dispatch(ctx, envelope))
}

// recoverFatal turns a panic in a handler into an error push and ErrFatal.
// It must be deferred directly.
func (s *session) recoverFatal(err *error) {
	if recovered := recover(); recovered != nil {
		s.logger.Error("bridge handler panicked", zap.Any("panic", recovered))
		_ = s.out.write(TagError, fmt.Sprintf("%v\n%s", recovered, debug.Stack()))
		*err = ErrFatal
	}
}

// report turns a request failure into an error push. Only a broken output
// stream is returned.
func (s *session) report(tag string, requestErr error) error {
	if writeErr := s.out.failed(); writeErr != nil {
		return writeErr
	}
	if requestErr == nil {
		return nil
	}
	s.logger.Warn("bridge request failed", zap.String("tag", tag), zap.Error(requestErr))
	return s.out.write(TagError, requestErr.Error())
}

func (s *session) dispatch(ctx context.Context, envelope Envelope) error {
	switch envelope.Tag {
	case TagReady:
		return s.ready(ctx, envelope.Data)
	case TagResume:
		return s.resume(ctx, envelope.Data)
	case TagReset:
		return s.reset(envelope.Data)
	}

	if s.room == nil {
		return ErrRoomNotFound
	}
	if err := s.room.Ready(ctx); err != nil {
		return err
	}

	switch envelope.Tag {
	case TagGetVideos:
		return s.pushVideos(ctx)
	case TagGetMessages:
		return s.pushMessages(ctx)
	case TagAddVideo:
		return s.addVideo(ctx, envelope.Data)
	case TagAddMessage:
		return s.addMessage(ctx, envelope.Data)
	default:
		return ErrUnknownMessage
	}
}

func (s *session) ready(ctx context.Context, data json.RawMessage) error {
	var request readyRequest
	if err := s.decode(data, &request); err != nil {
		return err
	}
	s.closeRoom()
	room, err := s.openRoom(ctx, StoragePath(request.DocumentDir), request.Invite)
	if err != nil {
		return err
	}
	invite := request.Invite
	if invite == "" {
		invite, err = room.CreateInvite(ctx)
		if err != nil {
			return err
		}
	}
	return s.out.write(TagInvite, invite)
}

func (s *session) resume(ctx context.Context, data json.RawMessage) error {
	documentDir, err := s.decodeDir(data)
	if err != nil {
		return err
	}
	storage := StoragePath(documentDir)
	resumable, err := studio.ShouldResume(storage)
	if err != nil {
		return err
	}
	if !resumable {
		return s.out.write(TagResumed, "")
	}
	s.closeRoom()
	room, err := s.openRoom(ctx, storage, "")
	if err != nil {
		return err
	}
	invite := room.Invite()
	if invite == "" {
		invite, err = room.CreateInvite(ctx)
		if err != nil {
			return err
		}
	}
	return s.out.write(TagResumed, invite)
}

func (s *session) reset(data json.RawMessage) error {
	var storage string
	if s.room != nil {
		storage = s.room.Storage()
	} else {
		documentDir, err := s.decodeDir(data)
		if err != nil {
			return err
		}
		storage = StoragePath(documentDir)
	}
	if err := s.out.write(TagInvite, ""); err != nil {
		return err
	}
	s.closeRoom()
	if err := s.worker.cfg.Fs.RemoveAll(storage); err != nil {
		return fmt.Errorf("remove storage: %w", err)
	}
	s.logger.Info("room storage reset", zap.String("storage", storage))
	return nil
}

func (s *session) addVideo(ctx context.Context, data json.RawMessage) error {
	var request addVideoRequest
	if err := s.decode(data, &request); err != nil {
		return err
	}
	id, err := s.worker.cfg.NewID()
	if err != nil {
		return err
	}
	return s.room.AddVideo(ctx, id, request.Name, request.Path, map[string]any{"at": s.timestamp()})
}

func (s *session) addMessage(ctx context.Context, data json.RawMessage) error {
	var request addMessageRequest
	if err := s.decode(data, &request); err != nil {
		return err
	}
	id, err := s.worker.cfg.NewID()
	if err != nil {
		return err
	}
	info := make(map[string]any, len(request.Info)+1)
	for key, value := range request.Info {
		info[key] = value
	}
	info["at"] = s.timestamp()
	return s.room.AddMessage(ctx, id, request.Text, info)
}

func (s *session) pushVideos(ctx context.Context) error {
	videos, err := s.room.GetVideos(ctx)
	if err != nil {
		return err
	}
	if videos == nil {
		videos = []studio.Video{}
	}
	return s.out.write(TagVideos, videos)
}

func (s *session) pushMessages(ctx context.Context) error {
	messages, err := s.room.GetMessages(ctx)
	if err != nil {
		return err
	}
	if messages == nil {
		messages = []studio.Message{}
	}
	return s.out.write(TagMessages, messages)
}

// handleChange refreshes the list a replicated or local change touched.
func (s *session) handleChange(ctx context.Context, change feed.Change) (err error) {
	defer s.recoverFatal(&err)
	if s.room == nil {
		return nil
	}
	var pushErr error
	switch s.room.Kind(change) {
	case studio.ChangeVideos:
		pushErr = s.pushVideos(ctx)
	case studio.ChangeMessages:
		pushErr = s.pushMessages(ctx)
	default:
		return nil
	}
	return s.report("change", pushErr)
}

func (s *session) openRoom(ctx context.Context, storage, invite string) (*studio.Room, error) {
	cfg := s.worker.cfg
	room, err := studio.New(studio.Options{
		Storage:          storage,
		Invite:           invite,
		Namespace:        cfg.Namespace,
		Swarm:            cfg.Swarm,
		BlobFs:           cfg.BlobFs,
		SourceFs:         cfg.SourceFs,
		PublisherAddress: cfg.PublisherAddress,
		KeyPollInterval:  cfg.KeyPollInterval,
		KeyTimeout:       cfg.KeyTimeout,
		Logger:           s.logger,
		Clock:            cfg.Clock,
	})
	if err != nil {
		return nil, err
	}
	if err := room.Ready(ctx); err != nil {
		_ = room.Close()
		return nil, err
	}
	s.room = room
	s.changes, s.unsubscribe = room.Subscribe(ctx)
	return room, nil
}

func (s *session) closeRoom() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.changes = nil
	if s.room == nil {
		return
	}
	if err := s.room.Close(); err != nil {
		s.logger.Warn("room close failed", zap.String("storage", s.room.Storage()), zap.Error(err))
	}
	s.room = nil
}

func (s *session) decode(data json.RawMessage, target any) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := s.worker.validate.Struct(target); err != nil {
		return describeInvalid(err)
	}
	return nil
}

// newValidator reports fields by their wire names.
func newValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return validate
}

// describeInvalid turns validator output into text fit for an error push.
func describeInvalid(err error) error {
	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	problems := make([]string, 0, len(fieldErrors))
	for _, fieldError := range fieldErrors {
		switch fieldError.Tag() {
		case "required":
			problems = append(problems, fieldError.Field()+" is required")
		default:
			problems = append(problems, fieldError.Field()+" is invalid")
		}
	}
	return errors.New(strings.Join(problems, "; "))
}

func (s *session) decodeDir(data json.RawMessage) (string, error) {
	var documentDir string
	if err := json.Unmarshal(data, &documentDir); err != nil {
		return "", fmt.Errorf("%w: document directory must be a string", ErrMalformedMessage)
	}
	if err := s.worker.validate.Var(documentDir, "required"); err != nil {
		return "", errors.New("document directory is required")
	}
	return documentDir, nil
}

func (s *session) timestamp() string {
	return s.worker.cfg.Clock().UTC().Format(timestampLayout)
}
