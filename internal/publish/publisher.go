// Package publish 将生成的地图发布到 NATS
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	"github.com/nats-io/nats.go"

	"github.com/geoyee/tilestitch/internal/logging"
	"github.com/geoyee/tilestitch/internal/model"
	"github.com/geoyee/tilestitch/internal/stitch"
)

type Encoding string

const (
	EncodingPNG  Encoding = "png"
	EncodingBGR8 Encoding = "bgr8"
)

// ErrPayloadTooLarge 图像超过服务器允许的最大消息长度
var ErrPayloadTooLarge = errors.New("image exceeds nats max payload")

// Subjects 发布主题
type Subjects struct {
	Image    string
	Metadata string
}

// SubjectsFor prefix.image 与 prefix.metadata
func SubjectsFor(prefix string) Subjects {
	if prefix == "" {
		prefix = "tilestitch"
	}
	return Subjects{
		Image:    prefix + ".image",
		Metadata: prefix + ".metadata",
	}
}

// ParseEncoding 空字符串视为 png
func ParseEncoding(s string) (Encoding, error) {
	switch Encoding(s) {
	case "", EncodingPNG:
		return EncodingPNG, nil
	case EncodingBGR8:
		return EncodingBGR8, nil
	}
	return "", fmt.Errorf("unknown image encoding %q", s)
}

// EncodeImage 按 enc 编码图像
func EncodeImage(img image.Image, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingBGR8:
		return stitch.ToBGR(img), nil
	case EncodingPNG, "":
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("unknown image encoding %q", enc)
}

// ImageMessage 图像消息，尺寸与编码放在消息头中
func ImageMessage(subject string, img image.Image, enc Encoding, meta model.MapMetadata) (*nats.Msg, error) {
	if enc == "" {
		enc = EncodingPNG
	}
	data, err := EncodeImage(img, enc)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set("Encoding", string(enc))
	msg.Header.Set("Width", strconv.Itoa(b.Dx()))
	msg.Header.Set("Height", strconv.Itoa(b.Dy()))
	msg.Header.Set("Provider", meta.Provider)
	msg.Header.Set("Generated-At", meta.GeneratedAt.Format(time.RFC3339))
	return msg, nil
}

type Publisher struct {
	conn     *nats.Conn
	subjects Subjects
	encoding Encoding
	logger   logging.Logger
}

// NewPublisher 连接 NATS，断线后自动重连
func NewPublisher(url, prefix string, enc Encoding, logger logging.Logger) (*Publisher, error) {
	logger = logging.OrNop(logger)
	conn, err := nats.Connect(url,
		nats.Name("tilestitch"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	if enc == "" {
		enc = EncodingPNG
	}
	return &Publisher{
		conn:     conn,
		subjects: SubjectsFor(prefix),
		encoding: enc,
		logger:   logger,
	}, nil
}

func (p *Publisher) Subjects() Subjects {
	return p.subjects
}

// Publish 先发布图像再发布元数据 JSON，并等待服务器确认
func (p *Publisher) Publish(ctx context.Context, img image.Image, meta model.MapMetadata) error {
	msg, err := ImageMessage(p.subjects.Image, img, p.encoding, meta)
	if err != nil {
		return err
	}
	if limit := p.conn.MaxPayload(); limit > 0 && int64(len(msg.Data)) > limit {
		return fmt.Errorf("%w: %d > %d bytes", ErrPayloadTooLarge, len(msg.Data), limit)
	}

	metaData, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish image: %w", err)
	}
	if err := p.conn.Publish(p.subjects.Metadata, metaData); err != nil {
		return fmt.Errorf("publish metadata: %w", err)
	}
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	p.logger.Debug("map published", "subject", p.subjects.Image, "encoding", p.encoding, "bytes", len(msg.Data))
	return nil
}

// Close 发送剩余消息后关闭连接
func (p *Publisher) Close() {
	_ = p.conn.Drain()
}
