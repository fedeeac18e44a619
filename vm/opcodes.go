package vm

// registerCoreOpcodes installs the handlers of the core instruction set.
func (vm *VM) registerCoreOpcodes() {
	for op, h := range map[Opcode]OpcodeHandler{
		OpNoop:                 func(*Program) {},
		OpPush:                 opPush,
		OpEnterCriticalSection: opEnterCritical,
		OpLeaveCriticalSection: opLeaveCritical,
		OpStartCritical:        opEnterCritical,
		OpEndCritical:          opLeaveCritical,

		OpJump:                  opJump,
		OpCall:                  vm.opCall,
		OpCallAt:                vm.opCallAt,
		OpCallWhen:              opCallWhen,
		OpWait:                  vm.opWait,
		OpCancel:                opCancel,
		OpCancelAll:             opCancelAll,
		OpIf:                    opIf,
		OpWhile:                 opWhile,
		OpExitProgram:           opExitProgram,
		OpStopProgram:           opStopProgram,
		OpCheckArgCount:         opCheckArgCount,
		OpLookupProcedureByName: opLookupProcedureByName,
		OpFetchProcedureAddress: opFetchProcedureAddress,

		OpPopReturn:                   opPopReturn,
		OpPopExit:                     opPopExit,
		OpPopAddress:                  opPopAddress,
		OpPopFlags:                    opPopFlags,
		OpPopFlagsReturn:              opPopFlagsReturn,
		OpPopFlagsExit:                opPopFlagsExit,
		OpPopFlagsReturnValExit:       opPopFlagsReturnValExit,
		OpPopFlagsReturnExtern:        externReturn(false, false),
		OpPopFlagsExitExtern:          externReturn(false, true),
		OpPopFlagsReturnValExtern:     externReturn(true, false),
		OpPopFlagsReturnValExitExtern: externReturn(true, true),

		OpCallStart: vm.opCallStart,
		OpSpawn:     vm.opSpawn,
		OpFork:      vm.opFork,
		OpExec:      vm.opExec,
		OpExit:      vm.opExit,
		OpDetach:    vm.opDetach,

		OpFetchExternal:   vm.opFetchExternal,
		OpStoreExternal:   vm.opStoreExternal,
		OpExportVariable:  vm.opExportVariable,
		OpExportProcedure: vm.opExportProcedure,

		OpAToD:        opAToD,
		OpDToA:        opDToA,
		OpSwap:        opSwap,
		OpSwapA:       opSwapA,
		OpPop:         opPop,
		OpDup:         opDup,
		OpDump:        vm.opDump,
		OpPushBase:    opPushBase,
		OpPopBase:     opPopBase,
		OpPopToBase:   opPopToBase,
		OpSetGlobal:   opSetGlobal,
		OpFetch:       opFetch,
		OpStore:       opStore,
		OpFetchGlobal: opFetchGlobal,
		OpStoreGlobal: opStoreGlobal,

		OpEqual:        compareOp(cmpEqual),
		OpNotEqual:     compareOp(cmpNotEqual),
		OpLessEqual:    compareOp(cmpLessEqual),
		OpGreaterEqual: compareOp(cmpGreaterEqual),
		OpLess:         compareOp(cmpLess),
		OpGreater:      compareOp(cmpGreater),
		OpAdd:          opAdd,
		OpSub:          arithOp("SUB"),
		OpMul:          arithOp("MUL"),
		OpDiv:          opDiv,
		OpMod:          opMod,
		OpAnd:          opAnd,
		OpOr:           opOr,
		OpBitwiseAnd:   bitwiseOp(func(a, b int32) int32 { return a & b }),
		OpBitwiseOr:    bitwiseOp(func(a, b int32) int32 { return a | b }),
		OpBitwiseXor:   bitwiseOp(func(a, b int32) int32 { return a ^ b }),
		OpBitwiseNot:   opBitwiseNot,
		OpFloor:        opFloor,
		OpNot:          opNot,
		OpNegate:       opNegate,
	} {
		vm.mustRegister(op, h)
	}
}
