package delivery

import (
	"context"

	"go.uber.org/zap"

	"vote-service/internal/identity"
	"vote-service/internal/util"
)

// Sender hands a one-time code to the external email/SMS collaborator.
// The contract is pass/fail only; content templating and transport retries
// live on the collaborator's side.
type Sender interface {
	Send(ctx context.Context, contact identity.Identity, code, projectID string) error
}

// LogSender is the development sender. It logs that a code was issued
// without the code or the plaintext contact value.
type LogSender struct{}

func NewLogSender() *LogSender {
	return &LogSender{}
}

func (s *LogSender) Send(_ context.Context, contact identity.Identity, _ string, projectID string) error {
	util.Info("One-time code dispatched",
		zap.String("method", string(contact.Method)),
		zap.String("project_id", projectID))
	return nil
}
