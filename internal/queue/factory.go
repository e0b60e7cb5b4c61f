package queue

// QueueType identifies which broker variant backs the router.
type QueueType string

const (
	QueueTypeEmbedded QueueType = "embedded" // disk-backed local queue
	QueueTypeNATS     QueueType = "nats"     // JetStream pull consumer
	QueueTypeSQS      QueueType = "sqs"      // cloud pull consumer
)

// Factory resolves the configured broker type. The empty type selects the
// embedded queue, so a bare config still yields a working local setup.
type Factory struct {
	config *Config
}

// NewFactory creates a new queue factory
func NewFactory(cfg *Config) *Factory {
	return &Factory{config: cfg}
}

// Type returns the configured queue type
func (f *Factory) Type() QueueType {
	return QueueType(f.config.Type)
}

// IsEmbedded reports whether the embedded queue backs the router.
func (f *Factory) IsEmbedded() bool {
	return f.config.Type == string(QueueTypeEmbedded) || f.config.Type == ""
}

// IsNATS reports whether an external JetStream broker backs the router.
func (f *Factory) IsNATS() bool {
	return f.config.Type == string(QueueTypeNATS)
}

// IsSQS reports whether SQS backs the router.
func (f *Factory) IsSQS() bool {
	return f.config.Type == string(QueueTypeSQS)
}

// Config returns the queue configuration
func (f *Factory) Config() *Config {
	return f.config
}
