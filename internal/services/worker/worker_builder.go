package worker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/diogomassis/ob-payments/internal/models"
)

type AuditWorkerBuilder struct {
	numWorkers int
	queueSize  int
	jobTimeout time.Duration
	jobFunc    JobFunc
	logger     zerolog.Logger
}

func NewAuditWorkerBuilder() *AuditWorkerBuilder {
	return &AuditWorkerBuilder{
		jobTimeout: 30 * time.Second,
		logger:     zerolog.Nop(),
	}
}

func (b *AuditWorkerBuilder) WithNumWorkers(numWorkers int) *AuditWorkerBuilder {
	b.numWorkers = numWorkers
	return b
}

func (b *AuditWorkerBuilder) WithQueueSize(queueSize int) *AuditWorkerBuilder {
	b.queueSize = queueSize
	return b
}

func (b *AuditWorkerBuilder) WithJobTimeout(timeout time.Duration) *AuditWorkerBuilder {
	b.jobTimeout = timeout
	return b
}

func (b *AuditWorkerBuilder) WithJobFunc(jobFunc JobFunc) *AuditWorkerBuilder {
	b.jobFunc = jobFunc
	return b
}

func (b *AuditWorkerBuilder) WithLogger(logger zerolog.Logger) *AuditWorkerBuilder {
	b.logger = logger
	return b
}

func (b *AuditWorkerBuilder) Build() (*AuditWorker, error) {
	if b.numWorkers <= 0 {
		return nil, errors.New("number of workers must be positive")
	}
	if b.queueSize <= 0 {
		return nil, errors.New("queue size must be positive")
	}
	if b.jobTimeout <= 0 {
		return nil, errors.New("job timeout must be positive")
	}
	if b.jobFunc == nil {
		return nil, errors.New("job function is required")
	}

	return &AuditWorker{
		numWorkers: b.numWorkers,
		jobTimeout: b.jobTimeout,
		jobs:       make(chan models.VerificationJob, b.queueSize),
		jobFunc:    b.jobFunc,
		logger:     b.logger.With().Str("component", "audit").Logger(),
		waitGroup:  &sync.WaitGroup{},
	}, nil
}
