package server

// Message Type Constants
const (
	// Device lifecycle
	MsgInit    = "init"
	MsgDestroy = "destroy"
	MsgStatus  = "status"
	MsgFormat  = "format"
	MsgAttach  = "attach"
	MsgDetach  = "detach"

	// Volume operations
	MsgMakeVolume   = "make_volume"
	MsgRemoveVolume = "remove_volume"
	MsgUpdateVolume = "update_volume"
	MsgVolumePath   = "volume_path"

	// Mount operations
	MsgMountVolume   = "mount_volume"
	MsgUnmountVolume = "unmount_volume"
)

// --- Payload Structs ---

type InitRequest struct {
	MtdName     string `json:"mtdName"`
	FormatFirst bool   `json:"formatFirst"`
}

type MakeVolumeRequest struct {
	Name        string `json:"name"`
	SizeInBytes int64  `json:"sizeInBytes"`
}

type RemoveVolumeRequest struct {
	Name        string `json:"name"`
	PrintErrors bool   `json:"printErrors"`
}

type UpdateVolumeRequest struct {
	Name      string `json:"name"`
	ImagePath string `json:"imagePath"`
	SkipBytes int64  `json:"skipBytes"`
	Size      int64  `json:"size"`
}

type VolumePathRequest struct {
	Name string `json:"name"`
}

type MountVolumeRequest struct {
	Name      string `json:"name"`
	TargetDir string `json:"targetDir"`
}

type UnmountVolumeRequest struct {
	TargetDir string `json:"targetDir"`
}

// --- Response Structs ---

type StatusResponse struct {
	Created    bool   `json:"created"`
	MtdName    string `json:"mtdName,omitempty"`
	MtdNum     int    `json:"mtdNum"`
	Attached   bool   `json:"attached"`
	DevicePath string `json:"devicePath,omitempty"`
}

type VolumePathResponse struct {
	Path string `json:"path"`
}
