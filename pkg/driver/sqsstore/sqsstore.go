// Package sqsstore provides the managed cloud queue driver, backed by
// Amazon SQS.
//
// SQS natively speaks the lease protocol: ReceiveMessage grants a
// visibility-bounded claim, ChangeMessageVisibility extends or releases it,
// DeleteMessage acks. Attempts come from the ApproximateReceiveCount
// attribute, so a crashed worker's redeliveries are counted without any
// bookkeeping of ours. Dead letters go to a sibling queue named
// "<queue><suffix>"; queues are provisioned out of band.
package sqsstore

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/cmeadows/leaseq/pkg/core"
	"github.com/cmeadows/leaseq/internal/guard"
)

// DefaultDeadLetterSuffix names the sibling dead-letter queue.
const DefaultDeadLetterSuffix = "-dead"

// sqsReceiveCap is the hard SQS limit on messages per ReceiveMessage call.
const sqsReceiveCap = 10

// sqsDelayCap is the hard SQS limit on per-message delay.
const sqsDelayCap = 900 * time.Second

// sqsVisibilityCap is the hard SQS limit on visibility timeout.
const sqsVisibilityCap = 12 * time.Hour

// visibilitySeconds converts a duration to the seconds value
// ChangeMessageVisibility and ReceiveMessage accept, clamped to the service
// limit so an oversized retry delay or lease window is shortened rather
// than rejected.
func visibilitySeconds(d time.Duration) int32 {
	if d < 0 {
		d = 0
	}
	if d > sqsVisibilityCap {
		d = sqsVisibilityCap
	}
	return int32(d / time.Second)
}

// API is the slice of the SQS client the driver uses.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, opts ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, opts ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, opts ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// claim remembers how to address an in-flight message. SQS keys protocol
// calls by receipt handle, the Driver interface keys them by task id.
type claim struct {
	queue   string
	receipt string
}

// Driver implements the lease protocol over SQS.
type Driver struct {
	client     API
	deadSuffix string

	mu     sync.Mutex
	urls   map[string]string
	claims map[string]claim
}

// New creates an SQS-backed driver on an existing client.
func New(client API) *Driver {
	return &Driver{
		client:     client,
		deadSuffix: DefaultDeadLetterSuffix,
		urls:       make(map[string]string),
		claims:     make(map[string]claim),
	}
}

// Open loads the default AWS configuration and returns a driver.
func Open(ctx context.Context) (*Driver, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, core.Unavailable(err)
	}
	return New(sqs.NewFromConfig(cfg)), nil
}

// Setup is a no-op; SQS queues are provisioned out of band.
func (d *Driver) Setup(ctx context.Context) error { return nil }

// Close drops the in-flight claim table.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.claims = make(map[string]claim)
	return nil
}

// Enqueue sends the envelope as a JSON message. SQS caps per-message delay
// at 15 minutes; longer delays are clamped.
func (d *Driver) Enqueue(ctx context.Context, task *core.Task, delay time.Duration) (string, error) {
	t := *task
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Queue == "" {
		t.Queue = "default"
	}
	now := time.Now()
	t.Status = core.StatusPending
	t.AvailableAt = now
	if delay > 0 {
		if delay > sqsDelayCap {
			delay = sqsDelayCap
		}
		t.AvailableAt = now.Add(delay)
	}
	t.CreatedAt = now
	t.UpdatedAt = now

	body, err := json.Marshal(&t)
	if err != nil {
		return "", &core.SerializationError{Err: err}
	}

	url, err := d.queueURL(ctx, t.Queue)
	if err != nil {
		return "", err
	}

	_, err = d.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(url),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(delay / time.Second),
	})
	if err != nil {
		return "", core.Unavailable(err)
	}
	return t.ID, nil
}

// Lease receives up to batch messages per queue in priority order.
func (d *Driver) Lease(ctx context.Context, queues []string, visibility time.Duration, batch int) ([]*core.Task, error) {
	if batch <= 0 {
		return nil, nil
	}

	now := time.Now()
	deadline := now.Add(visibility)

	var leased []*core.Task
	for _, q := range queues {
		if len(leased) >= batch {
			break
		}
		url, err := d.queueURL(ctx, q)
		if err != nil {
			return leased, err
		}

		want := batch - len(leased)
		if want > sqsReceiveCap {
			want = sqsReceiveCap
		}

		out, err := d.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:              aws.String(url),
			MaxNumberOfMessages:   int32(want),
			VisibilityTimeout:     visibilitySeconds(visibility),
			WaitTimeSeconds:       0,
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{
				types.MessageSystemAttributeNameApproximateReceiveCount,
			},
		})
		if err != nil {
			return leased, core.Unavailable(err)
		}

		for _, msg := range out.Messages {
			var t core.Task
			if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &t); err != nil {
				// Unparseable message; leave it to age into the queue's
				// native redrive policy rather than poisoning the batch.
				continue
			}
			t.Status = core.StatusLeased
			dl := deadline
			t.VisibilityDeadline = &dl
			if rc, ok := msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
				if n, err := strconv.Atoi(rc); err == nil {
					t.Attempts = n
				}
			}
			if t.Attempts == 0 {
				t.Attempts = 1
			}

			d.mu.Lock()
			d.claims[t.ID] = claim{queue: q, receipt: aws.ToString(msg.ReceiptHandle)}
			d.mu.Unlock()

			leased = append(leased, &t)
		}
	}
	return leased, nil
}

// Extend pushes the message's visibility deadline out.
func (d *Driver) Extend(ctx context.Context, id string, visibility time.Duration) error {
	c, ok := d.claim(id)
	if !ok {
		return core.ErrLeaseLost
	}
	url, err := d.queueURL(ctx, c.queue)
	if err != nil {
		return err
	}
	_, err = d.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(url),
		ReceiptHandle:     aws.String(c.receipt),
		VisibilityTimeout: visibilitySeconds(visibility),
	})
	return d.classify(err)
}

// Ack deletes the message.
func (d *Driver) Ack(ctx context.Context, id string) error {
	c, ok := d.takeClaim(id)
	if !ok {
		return core.ErrLeaseLost
	}
	url, err := d.queueURL(ctx, c.queue)
	if err != nil {
		return err
	}
	_, err = d.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(c.receipt),
	})
	return d.classify(err)
}

// Release re-schedules the message by shrinking its visibility timeout to
// the retry delay; SQS preserves the receive count.
func (d *Driver) Release(ctx context.Context, id string, delay time.Duration) error {
	c, ok := d.takeClaim(id)
	if !ok {
		return core.ErrLeaseLost
	}
	url, err := d.queueURL(ctx, c.queue)
	if err != nil {
		return err
	}
	_, err = d.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(url),
		ReceiptHandle:     aws.String(c.receipt),
		VisibilityTimeout: visibilitySeconds(delay),
	})
	return d.classify(err)
}

// DeadLetter forwards the archived envelope to the sibling dead queue and
// deletes the original message.
func (d *Driver) DeadLetter(ctx context.Context, id string, reason string) error {
	c, ok := d.takeClaim(id)
	if !ok {
		return core.ErrLeaseLost
	}

	deadURL, err := d.queueURL(ctx, c.queue+d.deadSuffix)
	if err != nil {
		return err
	}
	url, err := d.queueURL(ctx, c.queue)
	if err != nil {
		return err
	}

	dead := core.DeadTask{
		ID:             id,
		Queue:          c.queue,
		FailureReason:  guard.SanitizeFailureReason(reason),
		DeadLetteredAt: time.Now(),
	}
	body, err := json.Marshal(&dead)
	if err != nil {
		return &core.SerializationError{Err: err}
	}

	if _, err := d.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(deadURL),
		MessageBody: aws.String(string(body)),
	}); err != nil {
		return core.Unavailable(err)
	}

	_, err = d.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(c.receipt),
	})
	return d.classify(err)
}

// Size reports ApproximateNumberOfMessages; SQS counts are approximate by
// contract, which is all the protocol asks for.
func (d *Driver) Size(ctx context.Context, queue string) (int64, error) {
	url, err := d.queueURL(ctx, queue)
	if err != nil {
		return 0, err
	}
	out, err := d.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(url),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, core.Unavailable(err)
	}
	n, _ := strconv.ParseInt(out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)], 10, 64)
	return n, nil
}

func (d *Driver) claim(id string) (claim, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.claims[id]
	return c, ok
}

func (d *Driver) takeClaim(id string) (claim, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.claims[id]
	if ok {
		delete(d.claims, id)
	}
	return c, ok
}

func (d *Driver) queueURL(ctx context.Context, queue string) (string, error) {
	d.mu.Lock()
	if url, ok := d.urls[queue]; ok {
		d.mu.Unlock()
		return url, nil
	}
	d.mu.Unlock()

	out, err := d.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queue)})
	if err != nil {
		return "", core.Unavailable(err)
	}
	url := aws.ToString(out.QueueUrl)

	d.mu.Lock()
	d.urls[queue] = url
	d.mu.Unlock()
	return url, nil
}

// classify maps receipt-handle staleness to lease loss; everything else is
// a transient backend fault.
func (d *Driver) classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ReceiptHandleIsInvalid", "InvalidParameterValue", "AWS.SimpleQueueService.MessageNotInflight":
			return core.ErrLeaseLost
		}
	}
	return core.Unavailable(err)
}
