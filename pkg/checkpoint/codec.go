package checkpoint

import (
	"bytes"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/hed1ad/trafficguard/pkg/detectors"
	"github.com/hed1ad/trafficguard/pkg/detectors/rrcf"
	"github.com/hed1ad/trafficguard/pkg/threshold"
	"github.com/hed1ad/trafficguard/pkg/voter"
)

// Snapshot fields.
const (
	fVersion    protowire.Number = 1
	fGateway    protowire.Number = 2
	fService    protowire.Number = 3
	fRunID      protowire.Number = 4
	fCreatedAt  protowire.Number = 5
	fParams     protowire.Number = 6
	fForest     protowire.Number = 7
	fRaw        protowire.Number = 8
	fLastValues protowire.Number = 9
	fThreshold  protowire.Number = 10
	fVoter      protowire.Number = 11
)

// Marshal encodes s. The Version field of s is ignored; the current Version
// is always written.
func Marshal(s *Snapshot) []byte {
	e := encoder{b: append([]byte(nil), magic...)}
	e.uint(fVersion, Version)
	e.string(fGateway, s.Entity.Gateway)
	e.string(fService, s.Entity.Service)
	e.string(fRunID, s.RunID)
	e.time(fCreatedAt, s.CreatedAt)
	e.message(fParams, func(e *encoder) { encodeParams(e, s.Params) })
	e.message(fForest, func(e *encoder) { encodeForest(e, s.Forest) })
	for _, rp := range s.Raw {
		e.message(fRaw, func(e *encoder) {
			e.time(1, rp.Time)
			e.doubles(2, rp.Values)
		})
	}
	e.doubles(fLastValues, s.LastValues)
	e.message(fThreshold, func(e *encoder) { encodeThreshold(e, s.Threshold) })
	e.message(fVoter, func(e *encoder) { encodeVoter(e, s.Voter) })
	return e.b
}

// Unmarshal decodes a snapshot written by Marshal.
func Unmarshal(b []byte) (*Snapshot, error) {
	if !bytes.HasPrefix(b, magic) {
		return nil, ErrBadMagic
	}

	s := &Snapshot{}
	err := fields(b[len(magic):], func(f field) error {
		var err error
		switch f.num {
		case fVersion:
			s.Version = int(f.u)
			if s.Version > Version {
				return fmt.Errorf("%w: %d", ErrUnsupportedVersion, s.Version)
			}
		case fGateway:
			s.Entity.Gateway = string(f.b)
		case fService:
			s.Entity.Service = string(f.b)
		case fRunID:
			s.RunID = string(f.b)
		case fCreatedAt:
			s.CreatedAt = f.time()
		case fParams:
			s.Params, err = decodeParams(f.b)
		case fForest:
			s.Forest, err = decodeForest(f.b)
		case fRaw:
			var rp RawPoint
			rp, err = decodeRawPoint(f.b)
			s.Raw = append(s.Raw, rp)
		case fLastValues:
			s.LastValues, err = f.doubles()
		case fThreshold:
			s.Threshold, err = decodeThreshold(f.b)
		case fVoter:
			s.Voter, err = decodeVoter(f.b)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: decode: %w", err)
	}
	if s.Version == 0 {
		return nil, fmt.Errorf("checkpoint: decode: missing version")
	}
	return s, nil
}

func encodeParams(e *encoder, p Params) {
	e.uint(1, uint64(p.NumTrees))
	e.uint(2, uint64(p.LeavesSize))
	e.uint(3, uint64(p.Sequences))
	e.double(4, p.Quantile)
	e.uint(5, uint64(p.MaxThresholdDuration))
}

func decodeParams(b []byte) (Params, error) {
	var p Params
	err := fields(b, func(f field) error {
		switch f.num {
		case 1:
			p.NumTrees = int(f.u)
		case 2:
			p.LeavesSize = int(f.u)
		case 3:
			p.Sequences = int(f.u)
		case 4:
			p.Quantile = f.double()
		case 5:
			p.MaxThresholdDuration = int(f.u)
		}
		return nil
	})
	return p, err
}

func encodeForest(e *encoder, st rrcf.State) {
	e.uint(1, uint64(st.NumTrees))
	e.uint(2, uint64(st.LeavesSize))
	e.uint(3, uint64(st.Sequences))
	e.bytes(4, st.RNG)
	e.ints(5, st.Window)
	for _, ts := range st.Trees {
		e.message(6, func(e *encoder) { encodeTree(e, ts) })
	}
}

func decodeForest(b []byte) (rrcf.State, error) {
	var st rrcf.State
	err := fields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			st.NumTrees = int(f.u)
		case 2:
			st.LeavesSize = int(f.u)
		case 3:
			st.Sequences = int(f.u)
		case 4:
			st.RNG = append([]byte(nil), f.b...)
		case 5:
			st.Window, err = f.ints()
		case 6:
			var ts rrcf.TreeState
			ts, err = decodeTree(f.b)
			st.Trees = append(st.Trees, ts)
		}
		return err
	})
	return st, err
}

func encodeTree(e *encoder, ts rrcf.TreeState) {
	e.int(1, int64(ts.Root))
	e.uint(2, uint64(ts.Dims))
	for _, ns := range ts.Nodes {
		e.message(3, func(e *encoder) { encodeNode(e, ns) })
	}
	free := make([]int64, len(ts.Free))
	for i, h := range ts.Free {
		free[i] = int64(h)
	}
	e.ints(4, free)
	for _, ref := range ts.Slots {
		e.message(5, func(e *encoder) {
			e.int(1, ref.Slot)
			e.int(2, int64(ref.Node))
		})
	}
}

func decodeTree(b []byte) (rrcf.TreeState, error) {
	var ts rrcf.TreeState
	err := fields(b, func(f field) error {
		switch f.num {
		case 1:
			ts.Root = int32(f.int())
		case 2:
			ts.Dims = int(f.u)
		case 3:
			ns, err := decodeNode(f.b)
			if err != nil {
				return err
			}
			ts.Nodes = append(ts.Nodes, ns)
		case 4:
			free, err := f.ints()
			if err != nil {
				return err
			}
			for _, h := range free {
				ts.Free = append(ts.Free, int32(h))
			}
		case 5:
			var ref rrcf.SlotRef
			err := fields(f.b, func(f field) error {
				switch f.num {
				case 1:
					ref.Slot = f.int()
				case 2:
					ref.Node = int32(f.int())
				}
				return nil
			})
			if err != nil {
				return err
			}
			ts.Slots = append(ts.Slots, ref)
		}
		return nil
	})
	return ts, err
}

func encodeNode(e *encoder, ns rrcf.NodeState) {
	e.bool(1, ns.Free)
	if ns.Free {
		return
	}
	e.bool(2, ns.Leaf)
	e.int(3, int64(ns.Parent))
	e.int(4, int64(ns.Left))
	e.int(5, int64(ns.Right))
	e.uint(6, uint64(ns.CutDim))
	e.double(7, ns.CutVal)
	e.uint(8, uint64(ns.N))
	e.doubles(9, ns.Min)
	e.doubles(10, ns.Max)
}

func decodeNode(b []byte) (rrcf.NodeState, error) {
	var ns rrcf.NodeState
	err := fields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			ns.Free = f.bool()
		case 2:
			ns.Leaf = f.bool()
		case 3:
			ns.Parent = int32(f.int())
		case 4:
			ns.Left = int32(f.int())
		case 5:
			ns.Right = int32(f.int())
		case 6:
			ns.CutDim = int(f.u)
		case 7:
			ns.CutVal = f.double()
		case 8:
			ns.N = int(f.u)
		case 9:
			ns.Min, err = f.doubles()
		case 10:
			ns.Max, err = f.doubles()
		}
		return err
	})
	return ns, err
}

func decodeRawPoint(b []byte) (RawPoint, error) {
	var rp RawPoint
	err := fields(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			rp.Time = f.time()
		case 2:
			rp.Values, err = f.doubles()
		}
		return err
	})
	return rp, err
}

func encodeThreshold(e *encoder, st threshold.State) {
	e.double(1, st.Value)
	for _, p := range st.History {
		e.message(2, func(e *encoder) {
			e.time(1, p.Time)
			e.double(2, p.Score)
		})
	}
}

func decodeThreshold(b []byte) (threshold.State, error) {
	var st threshold.State
	err := fields(b, func(f field) error {
		switch f.num {
		case 1:
			st.Value = f.double()
		case 2:
			var p detectors.ScoredPoint
			err := fields(f.b, func(f field) error {
				switch f.num {
				case 1:
					p.Time = f.time()
				case 2:
					p.Score = f.double()
				}
				return nil
			})
			if err != nil {
				return err
			}
			st.History = append(st.History, p)
		}
		return nil
	})
	return st, err
}

func encodeVoter(e *encoder, st voter.State) {
	e.bool(1, st.Active)
	for _, v := range st.Votes {
		e.message(2, func(e *encoder) {
			e.time(1, v.Time)
			e.uint(2, uint64(v.Label))
		})
	}
}

func decodeVoter(b []byte) (voter.State, error) {
	var st voter.State
	err := fields(b, func(f field) error {
		switch f.num {
		case 1:
			st.Active = f.bool()
		case 2:
			var v voter.Vote
			err := fields(f.b, func(f field) error {
				switch f.num {
				case 1:
					v.Time = f.time()
				case 2:
					v.Label = detectors.Label(f.u)
				}
				return nil
			})
			if err != nil {
				return err
			}
			st.Votes = append(st.Votes, v)
		}
		return nil
	})
	return st, err
}
