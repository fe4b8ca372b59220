package ubilib

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AnishMulay/ubidevice/internal/communication"
	grpccomm "github.com/AnishMulay/ubidevice/internal/communication/grpc"
	us "github.com/AnishMulay/ubidevice/internal/server"
)

const defaultTimeout = 5 * time.Minute

func NewUbiClient(serverAddr string, comm *grpccomm.GRPCCommunicator) *UbiClient {
	return &UbiClient{
		ServerAddr: serverAddr,
		Comm:       comm,
		From:       "ubilib",
		Timeout:    defaultTimeout,
	}
}

// Init replaces the server's device with one bound to the named partition.
func (c *UbiClient) Init(ctx context.Context, mtdName string, formatFirst bool) error {
	_, err := c.call(ctx, us.MsgInit, us.InitRequest{MtdName: mtdName, FormatFirst: formatFirst})
	return err
}

func (c *UbiClient) Destroy(ctx context.Context) error {
	_, err := c.call(ctx, us.MsgDestroy, nil)
	return err
}

func (c *UbiClient) Status(ctx context.Context) (Status, error) {
	resp, err := c.call(ctx, us.MsgStatus, nil)
	if err != nil {
		return Status{}, err
	}
	var st us.StatusResponse
	if err := json.Unmarshal(resp.Body, &st); err != nil {
		return Status{}, fmt.Errorf("failed to decode status response: %w", err)
	}
	return Status{
		Created:    st.Created,
		MtdName:    st.MtdName,
		MtdNum:     st.MtdNum,
		Attached:   st.Attached,
		DevicePath: st.DevicePath,
	}, nil
}

func (c *UbiClient) Format(ctx context.Context) error {
	_, err := c.call(ctx, us.MsgFormat, nil)
	return err
}

func (c *UbiClient) Attach(ctx context.Context) error {
	_, err := c.call(ctx, us.MsgAttach, nil)
	return err
}

func (c *UbiClient) Detach(ctx context.Context) error {
	_, err := c.call(ctx, us.MsgDetach, nil)
	return err
}

// MakeVolume creates a volume; sizeInBytes 0 takes all free space.
func (c *UbiClient) MakeVolume(ctx context.Context, name string, sizeInBytes int64) error {
	_, err := c.call(ctx, us.MsgMakeVolume, us.MakeVolumeRequest{Name: name, SizeInBytes: sizeInBytes})
	return err
}

func (c *UbiClient) RemoveVolume(ctx context.Context, name string, printErrors bool) error {
	_, err := c.call(ctx, us.MsgRemoveVolume, us.RemoveVolumeRequest{Name: name, PrintErrors: printErrors})
	return err
}

// UpdateVolume writes an image that is already on the server's file system.
func (c *UbiClient) UpdateVolume(ctx context.Context, name, imagePath string, skipBytes, size int64) error {
	_, err := c.call(ctx, us.MsgUpdateVolume, us.UpdateVolumeRequest{
		Name:      name,
		ImagePath: imagePath,
		SkipBytes: skipBytes,
		Size:      size,
	})
	return err
}

func (c *UbiClient) VolumePath(ctx context.Context, name string) (string, error) {
	resp, err := c.call(ctx, us.MsgVolumePath, us.VolumePathRequest{Name: name})
	if err != nil {
		return "", err
	}
	var vp us.VolumePathResponse
	if err := json.Unmarshal(resp.Body, &vp); err != nil {
		return "", fmt.Errorf("failed to decode volume path response: %w", err)
	}
	return vp.Path, nil
}

func (c *UbiClient) MountVolume(ctx context.Context, name, targetDir string) error {
	_, err := c.call(ctx, us.MsgMountVolume, us.MountVolumeRequest{Name: name, TargetDir: targetDir})
	return err
}

func (c *UbiClient) UnmountVolume(ctx context.Context, targetDir string) error {
	_, err := c.call(ctx, us.MsgUnmountVolume, us.UnmountVolumeRequest{TargetDir: targetDir})
	return err
}

// ErrorCode returns the device error code carried by err. Code -1 means the
// server had no device.
func ErrorCode(err error) (int32, bool) {
	return communication.ErrorCode(err)
}

func (c *UbiClient) call(ctx context.Context, msgType string, payload any) (*communication.Response, error) {
	if c == nil {
		return nil, errors.New("ubi client is nil")
	}
	if c.Comm == nil {
		return nil, errors.New("ubi client communicator is nil")
	}
	if c.ServerAddr == "" {
		return nil, errors.New("ubi server address is empty")
	}

	if _, ok := ctx.Deadline(); !ok && c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	resp, err := c.Comm.Send(ctx, c.ServerAddr, communication.Message{
		From:    c.From,
		Type:    msgType,
		Payload: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", msgType, err)
	}
	if resp.Code != communication.CodeOK {
		return nil, responseError(msgType, resp)
	}
	return resp, nil
}

func responseError(op string, resp *communication.Response) error {
	body := strings.TrimSpace(string(resp.Body))
	if body == "" {
		body = string(resp.Code)
	}
	return fmt.Errorf("%s failed (%s): %s", op, resp.Code, body)
}
