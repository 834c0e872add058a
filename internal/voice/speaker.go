// Package voice synthesizes voice messages with the OpenAI speech API
// and stores them as audio files under a directory.
package voice

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

// ErrEmptyText is returned when asked to speak blank text.
var ErrEmptyText = errors.New("voice message text is empty")

// Speaker writes one mp3 clip per voice message. Clips are grouped in a
// subdirectory per session.
type Speaker struct {
	client *openai.Client
	model  string
	voice  string
	dir    string
	logger *slog.Logger
}

// NewSpeaker creates a speaker that writes clips under dir.
func NewSpeaker(client *openai.Client, model, voice, dir string, logger *slog.Logger) *Speaker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Speaker{
		client: client,
		model:  model,
		voice:  voice,
		dir:    dir,
		logger: logger.With("component", "voice"),
	}
}

// Speak synthesizes text and returns the clip's file name relative to
// the speaker directory, e.g. "<session>/<id>.mp3".
func (s *Speaker) Speak(ctx context.Context, text string, sessionID uuid.UUID) (string, error) {
	if text == "" {
		return "", ErrEmptyText
	}

	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(s.model),
		Input:          text,
		Voice:          openai.SpeechVoice(s.voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return "", fmt.Errorf("create speech: %w", err)
	}
	defer resp.Close()

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate clip id: %w", err)
	}
	name := filepath.Join(sessionID.String(), id.String()+".mp3")
	path := filepath.Join(s.dir, name)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create voice directory: %w", err)
	}
	n, err := writeFile(path, resp)
	if err != nil {
		return "", err
	}

	s.logger.Info("voice message saved",
		"session_id", sessionID,
		"file", name,
		"bytes", n,
	)
	return filepath.ToSlash(name), nil
}

// writeFile copies r to a temporary file and renames it into place, so
// a failed download never leaves a truncated clip behind.
func writeFile(path string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".clip-*")
	if err != nil {
		return 0, fmt.Errorf("create clip: %w", err)
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("write clip: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("save clip: %w", err)
	}
	return n, nil
}
