package handlers

import (
	"github.com/zennooo/blue-orca-ai/internal/chat"
	"github.com/zennooo/blue-orca-ai/internal/config"
	"github.com/zennooo/blue-orca-ai/internal/email"
	"github.com/zennooo/blue-orca-ai/internal/otp"
	"github.com/zennooo/blue-orca-ai/internal/store/rabbitmq"
	"gorm.io/gorm"
)

type Handler struct {
	DB      *gorm.DB
	Cfg     config.Config
	OTP     *otp.Service
	Email   email.Sender
	ChatSvc *chat.Service
	// Rabbit may be nil; the async endpoints then answer 503.
	Rabbit *rabbitmq.Publisher
}

func NewHandler(db *gorm.DB, cfg config.Config, otpSvc *otp.Service, sender email.Sender, chatSvc *chat.Service, rabbit *rabbitmq.Publisher) *Handler {
	return &Handler{
		DB:      db,
		Cfg:     cfg,
		OTP:     otpSvc,
		Email:   sender,
		ChatSvc: chatSvc,
		Rabbit:  rabbit,
	}
}
