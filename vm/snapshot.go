package vm

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Exported-variable snapshots
// ---------------------------------------------------------------------------

// snapshotEncMode encodes deterministically, so equal variable sets give
// equal bytes.
var snapshotEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	snapshotEncMode = em
}

// SnapshotVariable is one saved exported variable.
type SnapshotVariable struct {
	Name  string  `cbor:"1,keyasint"`
	Owner string  `cbor:"2,keyasint"`
	Type  Type    `cbor:"3,keyasint"`
	Int   int32   `cbor:"4,keyasint,omitempty"`
	Float float32 `cbor:"5,keyasint,omitempty"`
	Text  string  `cbor:"6,keyasint,omitempty"`
}

// Snapshot is the saved state of the exported-variable table.
type Snapshot struct {
	ID        uuid.UUID          `cbor:"1,keyasint"`
	Taken     time.Time          `cbor:"2,keyasint"`
	Variables []SnapshotVariable `cbor:"3,keyasint"`
}

// SnapshotVariables captures every exported variable. Variables holding
// host pointers cannot be saved and are skipped.
func (vm *VM) SnapshotVariables() *Snapshot {
	s := &Snapshot{ID: uuid.New(), Taken: time.Now().UTC().Truncate(time.Second)}
	for i := range vm.vars.slots {
		e := &vm.vars.slots[i]
		if e.name == "" {
			continue
		}
		sv := SnapshotVariable{Name: e.name, Owner: e.owner, Type: e.value.Type}
		switch {
		case e.value.IsString():
			sv.Type = TypeDynamicString
			sv.Text = e.text
		case e.value.Type == TypeFloat:
			sv.Float = e.value.Float()
		case e.value.Type == TypeInt:
			sv.Int = e.value.Int()
		default:
			vm.Log.Debugf("snapshot: skipping %s, %s values cannot be saved", e.name, e.value.Type)
			continue
		}
		s.Variables = append(s.Variables, sv)
	}
	return s
}

// RestoreVariables replaces the exported-variable table with the contents
// of s.
func (vm *VM) RestoreVariables(s *Snapshot) error {
	vm.ClearExportedVariables()
	for _, sv := range s.Variables {
		if err := vm.vars.create(sv.Owner, sv.Name); err != nil {
			return fmt.Errorf("restore %s: %w", sv.Name, err)
		}
		e := vm.vars.find(sv.Name)
		switch sv.Type {
		case TypeInt:
			e.set(Int(sv.Int))
		case TypeFloat:
			e.set(Float(sv.Float))
		case TypeString, TypeDynamicString:
			e.setString(sv.Text)
		default:
			return fmt.Errorf("restore %s: %w: %s", sv.Name, ErrTypeMismatch, sv.Type)
		}
	}
	vm.Log.Debugf("restored %d exported variables from snapshot %s", len(s.Variables), s.ID)
	return nil
}

// EncodeSnapshot serializes s to canonical CBOR.
func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	return snapshotEncMode.Marshal(s)
}

// DecodeSnapshot deserializes a snapshot written by EncodeSnapshot.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("vm: unmarshal snapshot: %w", err)
	}
	return &s, nil
}
