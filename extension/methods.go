// Copyright (C) 2022 CasperLabs. All Rights Reserved.

package extension

// The registered method surface. These names are the wire contract shared
// with existing page and popup callers and must be kept stable.
//
// Methods prefixed account., sign., and connection. are registered on the
// background's popup-facing endpoint; the unprefixed names at the bottom
// are registered on its page-facing endpoint and reached through the relay.
const (
	MGetState    = "background.getState"
	MUpdateState = "popup.updateState"

	MAccountUnlock            = "account.unlock"
	MAccountLock              = "account.lock"
	MAccountCreateNewVault    = "account.createNewVault"
	MAccountImport            = "account.importUserAccount"
	MAccountReorder           = "account.reorderAccount"
	MAccountRemove            = "account.removeUserAccount"
	MAccountSwitch            = "account.switchToAccount"
	MAccountSelected          = "account.getSelectUserAccount"
	MAccountActivePublicKey   = "account.getActivePublicKeyHex"
	MAccountActiveAccountHash = "account.getActiveAccountHash"
	MAccountResetVault        = "account.resetVault"
	MAccountResetLockout      = "account.resetLockout"
	MAccountStartLockout      = "account.startLockoutTimer"
	MAccountResetLockoutTimer = "account.resetLockoutTimer"
	MAccountRename            = "account.renameUserAccount"
	MAccountDownloadKeys      = "account.downloadAccountKeys"
	MAccountConfirmPassword   = "account.confirmPassword"

	MSignDeploy       = "sign.signDeploy"
	MRejectSignDeploy = "sign.rejectSignDeploy"
	MParseDeployData  = "sign.parseDeployData"

	MConnectionConnect      = "connection.connectToSite"
	MConnectionDisconnect   = "connection.disconnectFromSite"
	MConnectionRemove       = "connection.removeSite"
	MConnectionResetRequest = "connection.resetConnectionRequest"
	MConnectionIsIntegrated = "connection.isIntegratedSite"

	MPageSign              = "sign"
	MPageSelectedKeyBase64 = "getSelectedPublicKeyBase64"
	MPageIsConnected       = "isConnected"
	MPageRequestConnection = "requestConnection"
	MPageConnectToSite     = "connectToSite"
	MPageDisconnectSite    = "disconnectFromSite"
	MPageCreateNewVault    = "createNewVault"
	MPageHasCreatedVault   = "hasCreatedVault"
)
