package relay

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"CampusSOS/pkg/errors"
	"CampusSOS/pkg/logger"
)

// maxDatagram 单个中继报文的最大长度
const maxDatagram = 64 * 1024

// Transport 近场广播介质，无确认、无顺序、无去重
type Transport interface {
	// Supported 设备是否具备该介质
	Supported() bool
	// Send 尽力广播一帧
	Send(ctx context.Context, frame []byte) error
	// Listen 阻塞接收直到 ctx 结束，每帧回调一次
	Listen(ctx context.Context, handle func(frame []byte)) error
	Close() error
}

// NopTransport 不支持近场中继的设备
type NopTransport struct{}

func (NopTransport) Supported() bool { return false }

func (NopTransport) Send(context.Context, []byte) error { return errors.RelayUnsupported }

func (NopTransport) Listen(ctx context.Context, _ func([]byte)) error {
	<-ctx.Done()
	return nil
}

func (NopTransport) Close() error { return nil }

// UDPTransport 在本地链路上用 UDP 广播模拟近场介质
type UDPTransport struct {
	conn      *net.UDPConn
	broadcast *net.UDPAddr

	closeOnce sync.Once
	logger    *zap.Logger
}

// NewUDPTransport listenAddr 为本机监听地址，broadcastAddr 为广播目的地址
func NewUDPTransport(listenAddr, broadcastAddr string) (*UDPTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp4", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid relay listen address: %w", err)
	}
	baddr, err := net.ResolveUDPAddr("udp4", broadcastAddr)
	if err != nil {
		return nil, fmt.Errorf("invalid relay broadcast address: %w", err)
	}

	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen relay socket: %w", err)
	}

	return &UDPTransport{
		conn:      conn,
		broadcast: baddr,
		logger:    logger.Named("relay_udp"),
	}, nil
}

func (u *UDPTransport) Supported() bool { return u.conn != nil }

func (u *UDPTransport) Send(ctx context.Context, frame []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = u.conn.SetWriteDeadline(deadline)
	}
	_, err := u.conn.WriteToUDP(frame, u.broadcast)
	return err
}

func (u *UDPTransport) Listen(ctx context.Context, handle func([]byte)) error {
	go func() {
		<-ctx.Done()
		_ = u.Close()
	}()

	buf := make([]byte, maxDatagram)
	for {
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("relay socket read failed: %w", err)
		}

		u.logger.Debug("Relay frame received", zap.Stringer("from", from), zap.Int("bytes", n))
		frame := make([]byte, n)
		copy(frame, buf[:n])
		handle(frame)
	}
}

func (u *UDPTransport) Close() error {
	var err error
	u.closeOnce.Do(func() {
		err = u.conn.Close()
	})
	return err
}
