// Package session persists what the original's configparser-based
// setting.ini held — probe choice, speed, seed address, and the sampled
// variable list — as session.yaml (SPEC_FULL.md §3.I), the same
// gopkg.in/yaml.v3 round trip github.com/TheWinds071-serial-mate uses for
// its own saved device profiles. It additionally supports exporting and
// importing just the variable list as a protojson-encoded
// google.golang.org/protobuf/types/known/structpb.Struct, so two tool
// instances can share a captured variable list without the full session.
package session

import (
	"fmt"
	"os"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"

	"github.com/moment-NEW/rttbridge/internal/sampler"
)

// Variable is the on-disk shape of a sampler.Variable; yaml tags keep the
// file human-editable the way setting.ini was.
type Variable struct {
	Name    string `yaml:"name"`
	Addr    uint32 `yaml:"addr"`
	Size    int    `yaml:"size"`
	Format  string `yaml:"format"`
	Enabled bool   `yaml:"enabled"`
}

// Session is the full persisted state: probe selection plus the variable
// list plus an optional RTT seed address.
type Session struct {
	Probe     string     `yaml:"probe"`               // "jlink", "openocd", "keil", "dap", "dap-shared"
	SpeedKHz  int        `yaml:"speed_khz"`
	SeedAddr  uint32     `yaml:"seed_addr,omitempty"` // RTT discovery seed
	GdbPort   int        `yaml:"gdb_port"`
	Variables []Variable `yaml:"variables,omitempty"`
}

// Load reads and parses a session.yaml from path.
func Load(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("session: read %s: %w", path, err)
	}
	var s Session
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("session: parse %s: %w", path, err)
	}
	return &s, nil
}

// Save writes s to path as YAML, overwriting any existing file.
func (s *Session) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("session: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("session: write %s: %w", path, err)
	}
	return nil
}

// ToSamplerVariables converts the persisted variable list into the
// sampler.Variable shape the Poll Scheduler consumes.
func (s *Session) ToSamplerVariables() []sampler.Variable {
	out := make([]sampler.Variable, 0, len(s.Variables))
	for _, v := range s.Variables {
		out = append(out, sampler.Variable{
			Name:    v.Name,
			Addr:    v.Addr,
			Size:    v.Size,
			Format:  sampler.Format(v.Format),
			Enabled: v.Enabled,
		})
	}
	return out
}

// FromSamplerVariables replaces s.Variables from the sampler's live list.
func (s *Session) FromSamplerVariables(vars []sampler.Variable) {
	s.Variables = make([]Variable, 0, len(vars))
	for _, v := range vars {
		s.Variables = append(s.Variables, Variable{
			Name:    v.Name,
			Addr:    v.Addr,
			Size:    v.Size,
			Format:  string(v.Format),
			Enabled: v.Enabled,
		})
	}
}

// ExportVariablesJSON encodes the variable list as a protojson-rendered
// structpb.Struct, letting a second tool instance import a captured
// variable list without the rest of the session (probe choice, speed)
// carrying over.
func ExportVariablesJSON(vars []Variable) ([]byte, error) {
	list := make([]interface{}, 0, len(vars))
	for _, v := range vars {
		list = append(list, map[string]interface{}{
			"name":    v.Name,
			"addr":    float64(v.Addr),
			"size":    float64(v.Size),
			"format":  v.Format,
			"enabled": v.Enabled,
		})
	}
	st, err := structpb.NewStruct(map[string]interface{}{"variables": list})
	if err != nil {
		return nil, fmt.Errorf("session: build struct: %w", err)
	}
	return protojson.Marshal(st)
}

// ImportVariablesJSON decodes a document produced by ExportVariablesJSON.
func ImportVariablesJSON(data []byte) ([]Variable, error) {
	var st structpb.Struct
	if err := protojson.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("session: parse variables json: %w", err)
	}
	rawList := st.Fields["variables"].GetListValue()
	if rawList == nil {
		return nil, fmt.Errorf("session: variables json missing \"variables\" array")
	}
	out := make([]Variable, 0, len(rawList.Values))
	for _, item := range rawList.Values {
		fields := item.GetStructValue().GetFields()
		out = append(out, Variable{
			Name:    fields["name"].GetStringValue(),
			Addr:    uint32(fields["addr"].GetNumberValue()),
			Size:    int(fields["size"].GetNumberValue()),
			Format:  fields["format"].GetStringValue(),
			Enabled: fields["enabled"].GetBoolValue(),
		})
	}
	return out, nil
}
