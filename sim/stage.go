// The pipelined stage schedule: stage and platform enums, the per-stage role
// tables for both scheduling modes, and the fixed sub-batch-to-platform
// bindings.
//
// Two-way schedule over {SA, PIM} (#k = k-th sub-batch):
//
//	|     |        init         |            default loop             |          end          |
//	|     |     A    |     B    |         C        |         D        |     E     |     F     |
//	|-----|:--------:|:--------:|:----------------:|:----------------:|:---------:|:---------:|
//	|  SA | QKVgen#1 | QKVgen#2 | Pj/FFNs/QKVgen#1 | Pj/FFNs/QKVgen#2 | Pj/FFNs#1 | Pj/FFNs#2 |
//	| PIM |     -    |  MHA#1   |       MHA#2      |       MHA#1      |   MHA#2   |     -     |
//
// Three-way schedule over {SA1, SA2, PIM}: MHA splits into logit_softmax and
// attend, the FFN splits into FFN1 and FFN2, and the schedule runs
// init A..E, loop F..K, drain L..P. See the role tables below.
package sim

import "fmt"

// Stage is one entry in the pipelined schedule. Stages are strictly ordered;
// the two-way schedule uses A..F, the three-way schedule A..P, and both end
// in StageFinish.
type Stage int

const (
	StageA Stage = iota
	StageB
	StageC
	StageD
	StageE
	StageF
	StageG
	StageH
	StageI
	StageJ
	StageK
	StageL
	StageM
	StageN
	StageO
	StageP
	StageFinish
)

func (s Stage) String() string {
	if s >= StageA && s <= StageP {
		return string(rune('A' + int(s)))
	}
	if s == StageFinish {
		return "Finish"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// lastStage returns the final working stage of a schedule.
func lastStage(mode SubBatchMode) Stage {
	if mode == ThreeWay {
		return StageP
	}
	return StageF
}

// nextStage advances the stage counter; past the schedule's last working
// stage it yields StageFinish.
func nextStage(mode SubBatchMode, s Stage) Stage {
	if s >= lastStage(mode) {
		return StageFinish
	}
	return s + 1
}

// StagePlatform identifies the compute substrate a program or tile belongs to.
type StagePlatform int

const (
	PlatformSA StagePlatform = iota
	PlatformSA1
	PlatformSA2
	PlatformPIM
)

func (p StagePlatform) String() string {
	switch p {
	case PlatformSA:
		return "SA"
	case PlatformSA1:
		return "SA1"
	case PlatformSA2:
		return "SA2"
	case PlatformPIM:
		return "PIM"
	}
	return fmt.Sprintf("StagePlatform(%d)", int(p))
}

// platforms lists the platform set of a schedule, in sub-batch binding order.
func platforms(mode SubBatchMode) []StagePlatform {
	if mode == ThreeWay {
		return []StagePlatform{PlatformSA1, PlatformSA2, PlatformPIM}
	}
	return []StagePlatform{PlatformSA, PlatformPIM}
}

// StageRole names the block of work a platform runs during one stage.
type StageRole int

const (
	RoleNone StageRole = iota
	RoleQKVGen
	RoleProj
	RoleFFN1
	RoleFFN2
	RoleProjFFNQKV // fused two-way cell: Projection + FFN + QKVGen
	RoleProjFFN    // fused two-way drain cell: Projection + FFN
	RoleMHA        // two-way PIM cell: LogitSoftmax + Attend
	RoleLogitSoftmax
	RoleAttend
)

var twoWaySARoles = map[Stage]StageRole{
	StageA: RoleQKVGen,
	StageB: RoleQKVGen,
	StageC: RoleProjFFNQKV,
	StageD: RoleProjFFNQKV,
	StageE: RoleProjFFN,
	StageF: RoleProjFFN,
}

var twoWayPIMRoles = map[Stage]StageRole{
	StageA: RoleNone,
	StageB: RoleMHA,
	StageC: RoleMHA,
	StageD: RoleMHA,
	StageE: RoleMHA,
	StageF: RoleNone,
}

var threeWaySA1Roles = map[Stage]StageRole{
	StageA: RoleQKVGen, StageB: RoleQKVGen, StageC: RoleQKVGen,
	StageD: RoleProj, StageE: RoleNone,
	StageF: RoleProj, StageG: RoleQKVGen, StageH: RoleProj,
	StageI: RoleQKVGen, StageJ: RoleProj, StageK: RoleQKVGen,
	StageL: RoleProj, StageM: RoleNone, StageN: RoleProj,
	StageO: RoleNone, StageP: RoleNone,
}

var threeWaySA2Roles = map[Stage]StageRole{
	StageA: RoleNone, StageB: RoleNone, StageC: RoleNone,
	StageD: RoleNone, StageE: RoleFFN1,
	StageF: RoleFFN2, StageG: RoleFFN1, StageH: RoleFFN2,
	StageI: RoleFFN1, StageJ: RoleFFN2, StageK: RoleFFN1,
	StageL: RoleFFN2, StageM: RoleFFN1, StageN: RoleFFN2,
	StageO: RoleFFN1, StageP: RoleFFN2,
}

var threeWayPIMRoles = map[Stage]StageRole{
	StageA: RoleNone, StageB: RoleLogitSoftmax, StageC: RoleAttend,
	StageD: RoleLogitSoftmax, StageE: RoleAttend,
	StageF: RoleLogitSoftmax, StageG: RoleAttend, StageH: RoleLogitSoftmax,
	StageI: RoleAttend, StageJ: RoleLogitSoftmax, StageK: RoleAttend,
	StageL: RoleLogitSoftmax, StageM: RoleAttend, StageN: RoleNone,
	StageO: RoleNone, StageP: RoleNone,
}

// roleFor returns the block a platform runs at a stage. Requesting a role for
// StageFinish or a platform outside the schedule is a programmer error.
func roleFor(mode SubBatchMode, platform StagePlatform, stage Stage) StageRole {
	if stage < StageA || stage > lastStage(mode) {
		panic(fmt.Sprintf("roleFor: stage %s outside %s schedule", stage, mode))
	}
	switch mode {
	case TwoWay:
		switch platform {
		case PlatformSA:
			return twoWaySARoles[stage]
		case PlatformPIM:
			return twoWayPIMRoles[stage]
		}
	case ThreeWay:
		switch platform {
		case PlatformSA1:
			return threeWaySA1Roles[stage]
		case PlatformSA2:
			return threeWaySA2Roles[stage]
		case PlatformPIM:
			return threeWayPIMRoles[stage]
		}
	}
	panic(fmt.Sprintf("roleFor: platform %s invalid for %s schedule", platform, mode))
}

// threeWayBindings maps each stage to the 0-based sub-batch index bound to
// [SA1, SA2, PIM]. Stage A binds SA1 to sub-batch 2 while sub-batches 1 and 3
// idle on SA; the asymmetry is intentional.
var threeWayBindings = map[Stage][3]int{
	StageA: {1, 0, 2},
	StageB: {1, 2, 0},
	StageC: {2, 1, 0},
	StageD: {0, 2, 1},
	StageE: {2, 0, 1},
	StageF: {0, 1, 2},
	StageG: {1, 0, 2},
	StageH: {1, 2, 0},
	StageI: {2, 1, 0},
	StageJ: {2, 0, 1},
	StageK: {0, 2, 1},
	StageL: {1, 0, 2},
	StageM: {0, 1, 2},
	StageN: {2, 1, 0},
	StageO: {0, 2, 1},
	StageP: {0, 2, 1},
}

// subBatchBinding returns, per platform (in platforms() order), the index of
// the sub-batch it runs at this stage.
func subBatchBinding(mode SubBatchMode, stage Stage) []int {
	if stage < StageA || stage > lastStage(mode) {
		panic(fmt.Sprintf("subBatchBinding: stage %s outside %s schedule", stage, mode))
	}
	if mode == TwoWay {
		// even stages run sub-batch 1 on SA, odd stages swap
		if int(stage)%2 == 0 {
			return []int{0, 1}
		}
		return []int{1, 0}
	}
	b := threeWayBindings[stage]
	return []int{b[0], b[1], b[2]}
}
