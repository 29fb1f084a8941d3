package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/zennooo/blue-orca-ai/internal/email"
)

var (
	ErrInvalidCode = errors.New("otp: invalid code")
	ErrCodeExpired = errors.New("otp: code expired or not issued")
)

// CodeStore holds at most one live code per email. Setting a new code
// replaces the previous one; expiry is enforced by the store.
type CodeStore interface {
	SetCode(ctx context.Context, email, code string, ttl time.Duration) error
	GetCode(ctx context.Context, email string) (code string, ok bool, err error)
	DeleteCode(ctx context.Context, email string) error
}

type Service struct {
	store  CodeStore
	sender email.Sender
	ttl    time.Duration

	// overridable in tests
	genCode func() (string, error)
}

func NewService(store CodeStore, sender email.Sender, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Service{store: store, sender: sender, ttl: ttl, genCode: sixDigitCode}
}

func sixDigitCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// Issue generates a fresh code, stores it (superseding any live code for the
// address) and emails it. Returns the expiry time.
func (s *Service) Issue(ctx context.Context, addr string) (time.Time, error) {
	code, err := s.genCode()
	if err != nil {
		return time.Time{}, err
	}
	if err := s.store.SetCode(ctx, addr, code, s.ttl); err != nil {
		return time.Time{}, err
	}

	expiry := time.Now().Add(s.ttl)
	subject := "Your verification code"
	body := "Hello,\n\n" +
		"Your verification code is: " + code + "\n\n" +
		fmt.Sprintf("It expires in %d minutes.\n\n", int(s.ttl.Minutes())) +
		"If you did not request this code, you can ignore this email.\n"
	if err := s.sender.SendText(addr, subject, body); err != nil {
		return time.Time{}, err
	}
	return expiry, nil
}

// Verify checks the submitted code. A successful verification consumes the
// code; a second attempt with the same code fails with ErrCodeExpired.
func (s *Service) Verify(ctx context.Context, addr, code string) error {
	stored, ok, err := s.store.GetCode(ctx, addr)
	if err != nil {
		return err
	}
	if !ok {
		return ErrCodeExpired
	}
	if stored != code {
		return ErrInvalidCode
	}
	return s.store.DeleteCode(ctx, addr)
}
