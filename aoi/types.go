package aoi

// Point represents a 2D coordinate
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// AffineMatrix for 2D transforms: x' = ax + by + tx, y' = cx + dy + ty
type AffineMatrix struct {
	A  float64 `json:"a"`
	B  float64 `json:"b"`
	Tx float64 `json:"tx"`
	C  float64 `json:"c"`
	D  float64 `json:"d"`
	Ty float64 `json:"ty"`
}

// Identity returns an identity matrix (no transformation)
func Identity() AffineMatrix {
	return AffineMatrix{A: 1, B: 0, Tx: 0, C: 0, D: 1, Ty: 0}
}

// MarkerID identifies a marker, e.g. "tag36h11:7".
type MarkerID string

// SurfaceID identifies a surface definition (usually a UUID string).
type SurfaceID string

// GazeSample is a single gaze datum in distorted scene-camera pixels.
// Timestamp, Confidence and Metadata are carried through untouched.
type GazeSample struct {
	X          float64        `json:"x"`
	Y          float64        `json:"y"`
	Timestamp  float64        `json:"timestamp"`
	Confidence float64        `json:"confidence,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Point returns the sample position as a Point.
func (g GazeSample) Point() Point {
	return Point{X: g.X, Y: g.Y}
}

// MappedGaze is a gaze sample expressed in a surface's normalized space.
type MappedGaze struct {
	AOIID   SurfaceID  `json:"aoiId"`
	X       float64    `json:"x"`
	Y       float64    `json:"y"`
	IsOnAOI bool       `json:"isOnAoi"`
	Base    GazeSample `json:"base"`
}

// MappedGazeFromNormPos builds a MappedGaze and sets IsOnAOI when both
// coordinates lie in [0, 1].
func MappedGazeFromNormPos(aoiID SurfaceID, norm Point, base GazeSample) MappedGaze {
	onSurface := norm.X >= 0 && norm.X <= 1 && norm.Y >= 0 && norm.Y <= 1
	return MappedGaze{
		AOIID:   aoiID,
		X:       norm.X,
		Y:       norm.Y,
		IsOnAOI: onSurface,
		Base:    base,
	}
}

// CameraConfig selects where camera intrinsics come from.
type CameraConfig struct {
	Serial         string `yaml:"serial,omitempty" json:"serial,omitempty"`                 // Scene camera serial number
	IntrinsicsFile string `yaml:"intrinsicsFile,omitempty" json:"intrinsicsFile,omitempty"` // Local intrinsics JSON; skips the cloud service
	Endpoint       string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`             // URL template with one %s for the serial
	CacheDir       string `yaml:"cacheDir,omitempty" json:"cacheDir,omitempty"`             // Directory for intrinsics.<serial>.json
}

// VideoConfig selects the scene video source.
type VideoConfig struct {
	Device string `yaml:"device" json:"device"` // Device index ("0") or file/stream URL
}

// HTTPConfig holds the report server settings.
type HTTPConfig struct {
	Port int `yaml:"port,omitempty" json:"port,omitempty"`
}

// MQTTConfig holds MQTT connection settings
type MQTTConfig struct {
	Broker        string `yaml:"broker,omitempty" json:"broker,omitempty"`
	PublishPrefix string `yaml:"publishPrefix,omitempty" json:"publishPrefix,omitempty"`
	ClientID      string `yaml:"clientId,omitempty" json:"clientId,omitempty"`
	Username      string `yaml:"username,omitempty" json:"username,omitempty"`
	Password      string `yaml:"password,omitempty" json:"password,omitempty"`
	GazeTopic     string `yaml:"gazeTopic,omitempty" json:"gazeTopic,omitempty"` // Topic carrying GazeSample JSON
}

// Config represents the full configuration file
type Config struct {
	Camera   CameraConfig `yaml:"camera" json:"camera"`
	Surfaces string       `yaml:"surfaces" json:"surfaces"` // Path to the surface definitions file
	Video    VideoConfig  `yaml:"video" json:"video"`
	MQTT     MQTTConfig   `yaml:"mqtt,omitempty" json:"mqtt,omitempty"`
	HTTP     HTTPConfig   `yaml:"http,omitempty" json:"http,omitempty"`
	LogLevel string       `yaml:"logLevel,omitempty" json:"logLevel,omitempty"`
	Parallel bool         `yaml:"parallel,omitempty" json:"parallel,omitempty"` // Localize surfaces concurrently
}

// MQTTEnabled reports whether a broker is configured.
func (c *Config) MQTTEnabled() bool {
	return c.MQTT.Broker != ""
}
