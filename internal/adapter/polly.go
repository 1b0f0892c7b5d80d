package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"

	"github.com/lucasnoah/coursefactory/internal/svcerr"
)

// pollyMaxChars is Polly's per-request text limit for SynthesizeSpeech.
const pollyMaxChars = 3000

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// PollyConfig configures the speech-synthesis adapter.
type PollyConfig struct {
	Region string
	Voice  string
	Engine string // neural | standard
}

// Polly synthesizes narration audio with Amazon Polly.
type Polly struct {
	mu     sync.Mutex
	client synthClient
	cfg    PollyConfig
}

// NewPolly creates a Polly adapter. The AWS client is resolved lazily on the
// first call from the default credential chain.
func NewPolly(cfg PollyConfig) *Polly {
	return newPollyWithClient(cfg, nil)
}

func newPollyWithClient(cfg PollyConfig, client synthClient) *Polly {
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if strings.TrimSpace(cfg.Voice) == "" {
		cfg.Voice = "Joanna"
	}
	if strings.TrimSpace(cfg.Engine) == "" {
		cfg.Engine = "neural"
	}
	return &Polly{client: client, cfg: cfg}
}

// Call implements Adapter.
func (p *Polly) Call(ctx context.Context, req Request) (*Response, error) {
	text := strings.TrimSpace(req.Prompt)
	if text == "" {
		return nil, svcerr.NewPermanent(errors.New("no text to synthesize"))
	}
	if len(text) > pollyMaxChars {
		text = text[:pollyMaxChars]
	}

	client, err := p.resolveClient(ctx)
	if err != nil {
		return nil, err
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(p.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}
	out, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatMp3,
		Text:         aws.String(text),
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(req.Param("voice", p.cfg.Voice)),
	})
	if err != nil {
		return nil, normalizePollyError(err)
	}
	if out == nil || out.AudioStream == nil {
		return nil, svcerr.NewTransient(errors.New("polly returned no audio"))
	}
	defer out.AudioStream.Close()

	audio, err := io.ReadAll(out.AudioStream)
	if err != nil {
		return nil, svcerr.FromNetwork(err)
	}
	return &Response{Data: audio, MediaType: "audio/mpeg", Model: "polly-" + p.cfg.Engine}, nil
}

func normalizePollyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return svcerr.FromNetwork(err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "ThrottlingException", "ServiceFailureException":
			return svcerr.NewTransient(err)
		case "InvalidSsmlException", "TextLengthExceededException", "InvalidSampleRateException",
			"MarksNotSupportedForFormatException", "SsmlMarksNotSupportedForTextTypeException":
			return svcerr.NewPermanent(err)
		case "AccessDeniedException", "UnrecognizedClientException", "LexiconNotFoundException",
			"EngineNotSupportedException", "LanguageNotSupportedException":
			return svcerr.NewPermanent(err)
		default:
			return svcerr.NewTransient(err)
		}
	}
	return svcerr.FromNetwork(err)
}

func (p *Polly) resolveClient(ctx context.Context) (synthClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.cfg.Region))
	if err != nil {
		return nil, svcerr.NewPermanent(fmt.Errorf("load aws config: %w", err))
	}
	p.client = polly.NewFromConfig(awsCfg)
	return p.client, nil
}
