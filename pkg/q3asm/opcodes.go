package q3asm

import "github.com/birdstakes/quatch/pkg/inst"

// opcodeMap lowers lcc's typed intermediate-code mnemonics to qvm opcodes.
//
// Width-preserving conversions that only change signedness are mapped to
// IGNORE and dropped. Mnemonics mapped to UNDEF have no qvm encoding and are
// rejected. CVII4 is a placeholder: the real opcode (SEX8 or SEX16) is
// picked from the size parameter that follows it.
var opcodeMap = map[string]inst.Opcode{
	"BREAK":   inst.BREAK,
	"CNSTF4":  inst.CONST,
	"CNSTI4":  inst.CONST,
	"CNSTP4":  inst.CONST,
	"CNSTU4":  inst.CONST,
	"CNSTI2":  inst.CONST,
	"CNSTU2":  inst.CONST,
	"CNSTI1":  inst.CONST,
	"CNSTU1":  inst.CONST,
	"ASGNB":   inst.BLOCK_COPY,
	"ASGNF4":  inst.STORE4,
	"ASGNI4":  inst.STORE4,
	"ASGNP4":  inst.STORE4,
	"ASGNU4":  inst.STORE4,
	"ASGNI2":  inst.STORE2,
	"ASGNU2":  inst.STORE2,
	"ASGNI1":  inst.STORE1,
	"ASGNU1":  inst.STORE1,
	"INDIRB":  inst.IGNORE,
	"INDIRF4": inst.LOAD4,
	"INDIRI4": inst.LOAD4,
	"INDIRP4": inst.LOAD4,
	"INDIRU4": inst.LOAD4,
	"INDIRI2": inst.LOAD2,
	"INDIRU2": inst.LOAD2,
	"INDIRI1": inst.LOAD1,
	"INDIRU1": inst.LOAD1,
	"CVFF4":   inst.UNDEF,
	"CVFI4":   inst.CVFI,
	"CVIF4":   inst.CVIF,
	"CVII4":   inst.SEX8,
	"CVII1":   inst.IGNORE,
	"CVII2":   inst.IGNORE,
	"CVIU4":   inst.IGNORE,
	"CVPU4":   inst.IGNORE,
	"CVUI4":   inst.IGNORE,
	"CVUP4":   inst.IGNORE,
	"CVUU4":   inst.IGNORE,
	"CVUU1":   inst.IGNORE,
	"NEGF4":   inst.NEGF,
	"NEGI4":   inst.NEGI,
	"ADDRGP4": inst.CONST,
	"ADDF4":   inst.ADDF,
	"ADDI4":   inst.ADD,
	"ADDP4":   inst.ADD,
	"ADDP":    inst.ADD,
	"ADDU4":   inst.ADD,
	"SUBF4":   inst.SUBF,
	"SUBI4":   inst.SUB,
	"SUBP4":   inst.SUB,
	"SUBU4":   inst.SUB,
	"LSHI4":   inst.LSH,
	"LSHU4":   inst.LSH,
	"MODI4":   inst.MODI,
	"MODU4":   inst.MODU,
	"RSHI4":   inst.RSHI,
	"RSHU4":   inst.RSHU,
	"BANDI4":  inst.BAND,
	"BANDU4":  inst.BAND,
	"BCOMI4":  inst.BCOM,
	"BCOMU4":  inst.BCOM,
	"BORI4":   inst.BOR,
	"BORU4":   inst.BOR,
	"BXORI4":  inst.BXOR,
	"BXORU4":  inst.BXOR,
	"DIVF4":   inst.DIVF,
	"DIVI4":   inst.DIVI,
	"DIVU4":   inst.DIVU,
	"MULF4":   inst.MULF,
	"MULI4":   inst.MULI,
	"MULU4":   inst.MULU,
	"EQF4":    inst.EQF,
	"EQI4":    inst.EQ,
	"EQU4":    inst.EQ,
	"GEF4":    inst.GEF,
	"GEI4":    inst.GEI,
	"GEU4":    inst.GEU,
	"GTF4":    inst.GTF,
	"GTI4":    inst.GTI,
	"GTU4":    inst.GTU,
	"LEF4":    inst.LEF,
	"LEI4":    inst.LEI,
	"LEU4":    inst.LEU,
	"LTF4":    inst.LTF,
	"LTI4":    inst.LTI,
	"LTU4":    inst.LTU,
	"NEF4":    inst.NEF,
	"NEI4":    inst.NE,
	"NEU4":    inst.NE,
	"JUMPV":   inst.JUMP,
	"LOADB4":  inst.UNDEF,
	"LOADF4":  inst.UNDEF,
	"LOADI4":  inst.UNDEF,
	"LOADP4":  inst.UNDEF,
	"LOADU4":  inst.UNDEF,
}
