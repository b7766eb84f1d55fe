package disk

import "strings"

// GPT partition type GUIDs.
const (
	gptLinux        = "0FC63DAF-8483-4772-8E79-3D69D8477DE4"
	gptSwap         = "0657FD6D-A4AB-43C4-84E5-0933C84B4F4F"
	gptLVM          = "E6D6D379-F507-44C2-A23C-238F2A3DF928"
	gptRAID         = "A19D880F-05FC-4D3B-A006-743F0F84911E"
	gptESP          = "C12A7328-F81F-11D2-BA4B-00A0C93EC93B"
	gptBIOSBoot     = "21686148-6449-6E6F-744E-656564454649"
	gptMSFTReserved = "E3C9E316-0B5C-4DB8-817D-F92DF00215AE"
	gptMSFTData     = "EBD0A0A2-B9E5-4433-87C0-68B6B72699C7"
	gptPReP         = "9E1A2D38-C612-4316-AA26-8B49521E5A8B"
	gptHPService    = "BFBFAFE7-A34F-448A-9A5B-6213EB736C22"
	gptAppleTV      = "5265636F-7665-11AA-AA11-00306543ECAC"
)

func isExtendedType(t string) bool {
	switch strings.ToLower(t) {
	case "5", "f", "85":
		return true
	}
	return false
}

func isFAT(fs string) bool {
	return fs == "vfat" || strings.HasPrefix(fs, "fat") || fs == "msdos"
}

// flagsFromType recovers partition flags from what sfdisk reports.
func flagsFromType(label LabelKind, typ string, bootable bool, attrs string) Flags {
	var f Flags
	if bootable {
		f |= FlagBoot
	}
	if strings.Contains(attrs, "LegacyBIOSBootable") {
		f |= FlagBoot
	}
	if strings.Contains(attrs, "RequiredPartition") {
		f |= FlagHidden
	}

	if label == LabelGPT {
		switch strings.ToUpper(typ) {
		case gptSwap:
			f |= FlagSwap
		case gptLVM:
			f |= FlagLVM
		case gptRAID:
			f |= FlagRAID
		case gptESP:
			f |= FlagBoot
		case gptBIOSBoot:
			f |= FlagBIOSGrub
		case gptMSFTReserved:
			f |= FlagMSFTReserved
		case gptPReP:
			f |= FlagPREP
		case gptHPService:
			f |= FlagHPService
		case gptAppleTV:
			f |= FlagAppleTVRecovery
		}
		return f
	}

	switch strings.ToLower(typ) {
	case "82":
		f |= FlagSwap
	case "8e":
		f |= FlagLVM
	case "fd":
		f |= FlagRAID
	case "c", "e", "f":
		f |= FlagLBA
	case "11", "14", "16", "17", "1b", "1c", "1e":
		f |= FlagHidden
	case "12":
		f |= FlagDiag
	case "41":
		f |= FlagPREP
	case "f0":
		f |= FlagPALO
	}
	return f
}

// typeCode picks the partition type written for p. A type read from a
// table of the same label is kept; otherwise it is derived from the flags
// and filesystem.
//
//nolint:revive // cyclomatic: flat mapping table
func typeCode(label LabelKind, p Partition) string {
	if p.Type != "" {
		return p.Type
	}
	if label == LabelGPT {
		switch {
		case p.Flags.Has(FlagBIOSGrub):
			return gptBIOSBoot
		case p.Flags.Has(FlagSwap) || p.FSName == "swap":
			return gptSwap
		case p.Flags.Has(FlagLVM):
			return gptLVM
		case p.Flags.Has(FlagRAID):
			return gptRAID
		case p.Flags.Has(FlagMSFTReserved):
			return gptMSFTReserved
		case p.Flags.Has(FlagPREP):
			return gptPReP
		case p.Flags.Has(FlagBoot) && isFAT(p.FSName):
			return gptESP
		case isFAT(p.FSName) || p.FSName == "ntfs" || p.FSName == "exfat":
			return gptMSFTData
		default:
			return gptLinux
		}
	}

	switch {
	case p.Kind == Extended:
		return "5"
	case p.Flags.Has(FlagSwap) || p.FSName == "swap":
		return "82"
	case p.Flags.Has(FlagLVM):
		return "8e"
	case p.Flags.Has(FlagRAID):
		return "fd"
	case p.Flags.Has(FlagPREP):
		return "41"
	case isFAT(p.FSName) && p.Flags.Has(FlagLBA):
		return "c"
	case isFAT(p.FSName):
		return "b"
	case p.FSName == "ntfs" || p.FSName == "exfat":
		return "7"
	default:
		return "83"
	}
}
