package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/digkill/AIImageBot/internal/apperr"
	"github.com/digkill/AIImageBot/internal/genai"
	"github.com/digkill/AIImageBot/internal/models"
	"github.com/digkill/AIImageBot/internal/ratelimit"
	"github.com/digkill/AIImageBot/internal/safety"
)

var generationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "aiimagebot_generations_total",
	Help: "Image generation requests by outcome.",
}, []string{"result"})

type PromptChecker interface {
	Screen(prompt string) safety.Verdict
}

type AccountLedger interface {
	Now() time.Time
	GetUser(ctx context.Context, userID int64) (*models.User, error)
	DebitOneCredit(ctx context.Context, userID int64) (bool, error)
	RecordGeneration(ctx context.Context, userID int64, prompt, resultLocator string) (int64, error)
}

type ResultStore interface {
	Persist(ctx context.Context, sourceURL string, data []byte, contentType string) (string, error)
}

type GenerationResult struct {
	Image        *genai.Image
	Locator      string
	GenerationID int64
	Charged      bool
	Subscribed   bool
}

// AccessController gates every paid generation: throttling, content policy,
// entitlement, then the backend call and the ledger bookkeeping.
type AccessController struct {
	filter   PromptChecker
	ledger   AccountLedger
	gen      genai.Service
	limiter  ratelimit.Limiter
	store    ResultStore
	log      *slog.Logger
	inFlight sync.Map
}

// NewAccessController wires the collaborators. limiter and store may be nil.
func NewAccessController(filter PromptChecker, ledger AccountLedger, gen genai.Service, limiter ratelimit.Limiter, store ResultStore, log *slog.Logger) *AccessController {
	if limiter == nil {
		limiter = ratelimit.Unlimited{}
	}
	return &AccessController{filter: filter, ledger: ledger, gen: gen, limiter: limiter, store: store, log: log}
}

// GenerateImage charges one credit only after the image exists. Subscribers
// are never charged. When the debit loses a race with another request the
// image is withheld.
func (c *AccessController) GenerateImage(ctx context.Context, userID int64, prompt string) (*GenerationResult, error) {
	const op = "generate image"

	if err := c.throttle(ctx, "image", userID); err != nil {
		generationsTotal.WithLabelValues("rate_limited").Inc()
		return nil, err
	}
	if _, busy := c.inFlight.LoadOrStore(userID, struct{}{}); busy {
		generationsTotal.WithLabelValues("rate_limited").Inc()
		return nil, apperr.Newf(apperr.KindRateLimited, op, "generation already in progress").WithUser(userID)
	}
	defer c.inFlight.Delete(userID)

	if v := c.filter.Screen(prompt); !v.Safe {
		generationsTotal.WithLabelValues("rejected").Inc()
		if v.Rule.IsLength() {
			return nil, apperr.Newf(apperr.KindValidation, op, "prompt %s", v.Rule).WithUser(userID)
		}
		return nil, apperr.Newf(apperr.KindContentRejected, op, "rule %s", v.Rule).WithUser(userID)
	}

	user, err := c.ledger.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	now := c.ledger.Now()
	if user == nil || !user.Entitled(now) {
		generationsTotal.WithLabelValues("insufficient_balance").Inc()
		return nil, apperr.Newf(apperr.KindInsufficientBalance, op, "no credits or subscription").WithUser(userID)
	}
	subscribed := user.Subscribed(now)

	img, err := c.gen.GenerateImage(ctx, prompt)
	if err != nil {
		generationsTotal.WithLabelValues("backend_error").Inc()
		c.log.Error("image generation failed", "user_id", userID, "err", err)
		return nil, fmt.Errorf("generate image: %w", err)
	}

	locator := c.persist(ctx, userID, img)

	genID, err := c.ledger.RecordGeneration(ctx, userID, prompt, locator)
	if err != nil {
		c.log.Error("failed to log generation", "user_id", userID, "err", err)
	}

	res := &GenerationResult{Image: img, Locator: locator, GenerationID: genID, Subscribed: subscribed}
	if !subscribed {
		ok, err := c.ledger.DebitOneCredit(ctx, userID)
		if err != nil {
			generationsTotal.WithLabelValues("debit_error").Inc()
			return nil, fmt.Errorf("debit credit: %w", err)
		}
		if !ok {
			generationsTotal.WithLabelValues("insufficient_balance").Inc()
			c.log.Warn("result withheld, balance spent concurrently", "user_id", userID, "generation_id", genID)
			return nil, apperr.Newf(apperr.KindInsufficientBalance, op, "balance spent by a concurrent request").WithUser(userID)
		}
		res.Charged = true
	}

	generationsTotal.WithLabelValues("ok").Inc()
	c.log.Info("image generated", "user_id", userID, "generation_id", genID, "charged", res.Charged)
	return res, nil
}

// persist copies the image to object storage when configured. On failure the
// backend URL is kept as the locator.
func (c *AccessController) persist(ctx context.Context, userID int64, img *genai.Image) string {
	if c.store == nil || (img.URL == "" && len(img.Bytes) == 0) {
		return img.URL
	}
	locator, err := c.store.Persist(ctx, img.URL, img.Bytes, img.Mime)
	if err != nil {
		c.log.Warn("failed to persist result", "user_id", userID, "err", err)
		return img.URL
	}
	return locator
}

// Chat is free for every known user but shares the throttle.
func (c *AccessController) Chat(ctx context.Context, userID int64, history []genai.Message) (string, error) {
	if err := c.throttle(ctx, "chat", userID); err != nil {
		return "", err
	}
	reply, err := c.gen.GenerateText(ctx, history)
	if err != nil {
		return "", fmt.Errorf("generate text: %w", err)
	}
	return reply, nil
}

func (c *AccessController) Transcribe(ctx context.Context, userID int64, audio io.Reader, filename string) (string, error) {
	if err := c.throttle(ctx, "chat", userID); err != nil {
		return "", err
	}
	text, err := c.gen.TranscribeAudio(ctx, audio, filename)
	if err != nil {
		return "", fmt.Errorf("transcribe audio: %w", err)
	}
	return text, nil
}

func (c *AccessController) Speak(ctx context.Context, text string) ([]byte, error) {
	audio, err := c.gen.SynthesizeSpeech(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("synthesize speech: %w", err)
	}
	return audio, nil
}

// throttle fails open when the limiter backend is unavailable.
func (c *AccessController) throttle(ctx context.Context, scope string, userID int64) error {
	d, err := c.limiter.Allow(ctx, scope+":"+strconv.FormatInt(userID, 10))
	if err != nil {
		c.log.Warn("rate limiter unavailable", "user_id", userID, "err", err)
		return nil
	}
	if !d.Allowed {
		return apperr.Newf(apperr.KindRateLimited, "throttle "+scope, "retry after %s", d.RetryAfter.Round(time.Second)).WithUser(userID)
	}
	return nil
}
